package main

import (
	"encoding/base64"
	"fmt"

	"github.com/eldtechnologies/switchboard/internal/crypto"
)

func main() {
	master, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	boundary, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		panic(err)
	}

	fmt.Printf("MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(master))
	fmt.Printf("BOUNDARY_SECRET=%s\n", base64.StdEncoding.EncodeToString(boundary))
	fmt.Printf("ADMIN_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("Admin private key (base64, keep offline): %s\n", priv)
}
