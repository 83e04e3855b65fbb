package storagecore

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dbengine/storagecore/helper"
)

// vectorValueSize is the REPL's fixed record width for vecput/vecget:
// a 16-byte slot, zero-padded on the right or truncated the way a fixed-width column
// store would require a declared width up front. Real callers of
// VectorFile pick their own width; the REPL needs one concrete value
// to demonstrate the API.
const vectorValueSize = 16

// Storage bundles one B-tree file, one vector file and one direct-area
// file rooted under a common directory — the handle a schema layer
// would hold, minus the schema; this package stops at the storage
// engines themselves.
type Storage struct {
	dir  string
	cfg  Config
	pool *WorkerPool

	btreeSub *Subfile
	bt       *BTree

	vecSub *Subfile
	vec    *VectorFile

	direct *DirectAreaFile

	nextTxID uint64
}

// Open creates or reopens every subfile under dir. sink is notified if
// recovery ever fails on one of them and its availability goes false.
func Open(dir string, cfg Config, sink AvailabilitySink) (*Storage, error) {
	btreeSub, err := CreateSubfile(dir, "index.db", cfg, sink)
	if err != nil {
		return nil, fmt.Errorf("storagecore: open index: %w", err)
	}
	vecSub, err := CreateSubfile(dir, "vector.db", cfg, sink)
	if err != nil {
		btreeSub.Close()
		return nil, fmt.Errorf("storagecore: open vector: %w", err)
	}
	direct, err := OpenDirectAreaFile(dir, "area.db", cfg, sink)
	if err != nil {
		btreeSub.Close()
		vecSub.Close()
		return nil, fmt.Errorf("storagecore: open direct area: %w", err)
	}
	return &Storage{
		dir:      dir,
		cfg:      cfg,
		pool:     NewPool(3),
		btreeSub: btreeSub,
		bt:       OpenBTree(btreeSub),
		vecSub:   vecSub,
		vec:      OpenVectorFile(vecSub, vectorValueSize),
		direct:   direct,
	}, nil
}

// begin allocates a fresh Transaction handle for one REPL command.
func (s *Storage) begin() *Transaction {
	s.nextTxID++
	return NewTransaction(s.nextTxID)
}

// Close shuts down the worker pool and every open subfile.
func (s *Storage) Close() error {
	s.pool.Stop()
	if err := s.direct.Close(); err != nil {
		return err
	}
	if err := s.vecSub.Close(); err != nil {
		return err
	}
	return s.btreeSub.Close()
}

// StartREPL runs the interactive command loop against a Storage opened
// at dir, blocking until "exit" or SIGINT/SIGTERM: a bufio.Reader read
// loop, a lower-cased command dispatch map, and a signal handler that
// shuts the store down cleanly instead of leaving pages dirty.
func StartREPL(dir string, cfg Config) {
	store, err := Open(dir, cfg, LogSink(log.Default()))
	if err != nil {
		log.Fatalf("Failed to open storage core: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdownStore(store)
	}()

	commands := registerCommands()
	scanner := bufio.NewReader(os.Stdin)
	helper.PrintWelcomeMessage(true)

	for {
		fmt.Print("> ")
		line, _, err := scanner.ReadLine()
		if err != nil {
			fmt.Println("Error reading input:", err)
			continue
		}
		command := strings.ToLower(strings.TrimSpace(string(line)))
		if command == "" {
			continue
		}
		if command == "exit" {
			shutdownStore(store)
			return
		}
		if handler, ok := commands[command]; ok {
			handler(scanner, store)
		} else {
			fmt.Println("Unknown command:", command)
		}
	}
}

func shutdownStore(store *Storage) {
	if err := store.Close(); err != nil {
		fmt.Println("Error closing storage core:", err)
	}
	fmt.Println("Exiting...")
	os.Exit(0)
}

type commandFunc func(scanner *bufio.Reader, store *Storage)

func registerCommands() map[string]commandFunc {
	return map[string]commandFunc{
		"btput":    handleBtPut,
		"btget":    handleBtGet,
		"btdel":    handleBtDel,
		"btscan":   handleBtScan,
		"vecput":   handleVecPut,
		"vecget":   handleVecGet,
		"vecdel":   handleVecDel,
		"vecscan":  handleVecScan,
		"arealloc": handleAreaPut,
		"areaget":  handleAreaGet,
		"areaupd":  handleAreaUpdate,
		"areadel":  handleAreaDel,
		"verify":   handleVerify,
		"stats":    handleStats,
		"help":     handleHelp,
	}
}

func handleBtPut(scanner *bufio.Reader, store *Storage) {
	key := helper.GetUint32(scanner, "Enter key: ")
	pageID := helper.GetUint32(scanner, "Enter pageID: ")
	areaID := helper.GetUint32(scanner, "Enter areaID: ")
	tx := store.begin()
	err := store.bt.Insert(tx, Entry{Key: key, PageID: PageID(pageID), AreaID: AreaID(areaID)})
	if err != nil {
		store.btreeSub.Recover()
		fmt.Println("Insert failed:", err)
		return
	}
	if err := store.btreeSub.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Println("Inserted.")
}

func handleBtGet(scanner *bufio.Reader, store *Storage) {
	key := helper.GetUint32(scanner, "Enter key: ")
	e, ok, err := store.bt.Get(key)
	if err != nil {
		fmt.Println("Get failed:", err)
		return
	}
	if !ok {
		fmt.Println("Not found.")
		return
	}
	fmt.Printf("key=%d pageID=%d areaID=%d\n", e.Key, e.PageID, e.AreaID)
}

func handleBtDel(scanner *bufio.Reader, store *Storage) {
	key := helper.GetUint32(scanner, "Enter key: ")
	tx := store.begin()
	if err := store.bt.Expunge(tx, key); err != nil {
		store.btreeSub.Recover()
		fmt.Println("Expunge failed:", err)
		return
	}
	if err := store.btreeSub.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Println("Removed.")
}

func handleBtScan(scanner *bufio.Reader, store *Storage) {
	n := 0
	err := store.bt.GetAll(func(e Entry) {
		fmt.Printf("  key=%d pageID=%d areaID=%d\n", e.Key, e.PageID, e.AreaID)
		n++
	})
	if err != nil {
		fmt.Println("Scan failed:", err)
		return
	}
	fmt.Printf("%d entries.\n", n)
}

func handleVecPut(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	raw := helper.GetBytes(scanner, "Enter value (text, truncated/padded to 16 bytes): ")
	value := fixedWidth(raw, vectorValueSize)
	tx := store.begin()
	if err := store.vec.Insert(tx, RowID(row), value); err != nil {
		store.vecSub.Recover()
		fmt.Println("Insert failed:", err)
		return
	}
	if err := store.vecSub.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Println("Stored.")
}

func handleVecGet(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	value, found, err := store.vec.Fetch(RowID(row))
	if err != nil {
		fmt.Println("Fetch failed:", err)
		return
	}
	if !found {
		fmt.Println("Not found.")
		return
	}
	fmt.Printf("value=%q\n", strings.TrimRight(string(value), "\x00"))
}

func handleVecDel(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	tx := store.begin()
	if err := store.vec.Expunge(tx, RowID(row)); err != nil {
		store.vecSub.Recover()
		fmt.Println("Expunge failed:", err)
		return
	}
	if err := store.vecSub.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Println("Expunged.")
}

func handleVecScan(scanner *bufio.Reader, store *Storage) {
	n := 0
	err := store.vec.GetAll(func(row RowID, value []byte) {
		fmt.Printf("  row=%d value=%q\n", row, strings.TrimRight(string(value), "\x00"))
		n++
	})
	if err != nil {
		fmt.Println("Scan failed:", err)
		return
	}
	fmt.Printf("%d live rows.\n", n)
}

func handleAreaPut(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	data := helper.GetBytes(scanner, "Enter blob contents: ")
	tx := store.begin()
	pageID, areaID, err := store.direct.Put(tx, RowID(row), data)
	if err != nil {
		store.direct.Recover()
		fmt.Println("Put failed:", err)
		return
	}
	if err := store.direct.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Printf("Stored at pageID=%d areaID=%d\n", pageID, areaID)
}

func handleAreaGet(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	data, pageID, areaID, found, err := store.direct.Get(RowID(row))
	if err != nil {
		fmt.Println("Get failed:", err)
		return
	}
	if !found {
		fmt.Println("Not found.")
		return
	}
	fmt.Printf("pageID=%d areaID=%d data=%q\n", pageID, areaID, string(data))
}

func handleAreaUpdate(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	data := helper.GetBytes(scanner, "Enter new blob contents: ")
	tx := store.begin()
	pageID, areaID, err := store.direct.Update(tx, RowID(row), data)
	if err != nil {
		store.direct.Recover()
		fmt.Println("Update failed:", err)
		return
	}
	if err := store.direct.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Printf("Updated at pageID=%d areaID=%d\n", pageID, areaID)
}

func handleAreaDel(scanner *bufio.Reader, store *Storage) {
	row := helper.GetUint32(scanner, "Enter rowID: ")
	tx := store.begin()
	if err := store.direct.Expunge(tx, RowID(row)); err != nil {
		store.direct.Recover()
		fmt.Println("Expunge failed:", err)
		return
	}
	if err := store.direct.Flush(tx); err != nil {
		fmt.Println("Flush failed:", err)
		return
	}
	fmt.Println("Expunged.")
}

func handleVerify(scanner *bufio.Reader, store *Storage) {
	store.bt.VerifyAsync(store.pool, func(visited int) {
		if visited%100 == 0 {
			fmt.Printf("...%d pages verified\n", visited)
		}
	}, func(err error) {
		if err != nil {
			fmt.Println("Verify failed:", err)
			return
		}
		fmt.Println("Verify OK.")
	})
}

func handleStats(scanner *bufio.Reader, store *Storage) {
	count, err := store.bt.GetCount()
	if err != nil {
		fmt.Println("B-tree stats failed:", err)
	} else {
		fmt.Printf("B-tree: %d entries\n", count)
	}
	vcount, err := store.vec.GetCount()
	if err != nil {
		fmt.Println("Vector stats failed:", err)
	} else {
		fmt.Printf("Vector file: %d live rows\n", vcount)
	}
}

func handleHelp(scanner *bufio.Reader, store *Storage) {
	helper.PrintWelcomeMessage(false)
}

func fixedWidth(raw []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, raw)
	return out
}
