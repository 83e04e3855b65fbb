// Package helper holds the REPL's prompt-and-parse input helpers,
// kept separate from the command dispatch table.
package helper

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// GetUint32 prompts until the user enters a parseable uint32.
func GetUint32(scanner *bufio.Reader, prompt string) uint32 {
	for {
		fmt.Print(prompt)
		line, _ := scanner.ReadString('\n')
		line = strings.TrimSpace(line)
		v, err := strconv.ParseUint(line, 10, 32)
		if err == nil {
			return uint32(v)
		}
		fmt.Println("Invalid input. Please enter a whole number.")
	}
}

// GetBytes prompts for a line of text and returns it as raw bytes.
// Empty input is accepted as a zero-length payload.
func GetBytes(scanner *bufio.Reader, prompt string) []byte {
	fmt.Print(prompt)
	line, _ := scanner.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	return []byte(line)
}

// PrintWelcomeMessage prints the REPL banner and command summary.
func PrintWelcomeMessage(isWelcome bool) {
	if isWelcome {
		fmt.Println("storagecore REPL has started...")
	}
	fmt.Println("Available commands:")
	fmt.Println("  btput        - Insert a B-tree entry (key -> pageID, areaID)")
	fmt.Println("  btget        - Look up a B-tree key")
	fmt.Println("  btdel        - Remove a B-tree key")
	fmt.Println("  btscan       - List every B-tree entry in key order")
	fmt.Println("  vecput       - Store a vector file value at a rowID")
	fmt.Println("  vecget       - Fetch a vector file value")
	fmt.Println("  vecdel       - Expunge a vector file rowID")
	fmt.Println("  vecscan      - List every live vector file rowID")
	fmt.Println("  arealloc     - Store a blob in the direct-area file, by rowID")
	fmt.Println("  areaget      - Fetch a direct-area blob by rowID")
	fmt.Println("  areaupd      - Replace a direct-area blob in place")
	fmt.Println("  areadel      - Expunge a direct-area rowID")
	fmt.Println("  verify       - Walk the B-tree checking ordering and fill invariants")
	fmt.Println("  stats        - Show the B-tree entry count and vector live-row count")
	fmt.Println("  help         - List all commands")
	fmt.Println("  exit         - Exit the program")
	fmt.Println()
}
