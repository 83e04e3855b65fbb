package main

import (
	"flag"

	"dbengine/storagecore"
)

func main() {
	dir := flag.String("dir", "storagecore.data", "directory holding the B-tree/vector/direct-area subfiles")
	pageSize := flag.Uint("pagesize", 4096, "page size: 4096, 8192, 16384 or 32768")
	flag.Parse()

	storagecore.StartREPL(*dir, storagecore.Config{PageSize: uint32(*pageSize), Mounted: true})
}
