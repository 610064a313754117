package main

import (
	"fmt"
	"os"

	"github.com/nkiryanov/mixcore/internal/codec"
)

// Prints packed key suitable for MIXCORE_ENCRYPT_KEY
func main() {
	km, err := codec.GenerateKeyMaterial()
	if err != nil {
		fmt.Printf("error while generating encryption key: %v", err)
		os.Exit(1)
	}

	fmt.Println(codec.PackKeys(km))
}
