// Command keygen generates Ed25519 key pairs for federation members and
// derives public keys from existing private keys.
package main

import (
	"flag"
	"fmt"
	"os"

	"threshold-federation/internal/keys"
)

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	privateFlag := flag.String("private", "", "Private key to get public key from")
	flag.Parse()

	if *helpFlag {
		fmt.Println("Threshold Federation Key Generator")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  keygen                    Generate a new Ed25519 key pair")
		fmt.Println("  keygen -private <key>     Get public key from private key")
		fmt.Println("  keygen -help              Show this help")
		return
	}

	keyManager := keys.NewKeyManager()

	if *privateFlag != "" {
		publicKey, err := keyManager.GetPublicKey(*privateFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Public Key: %s\n", publicKey)
		return
	}

	privateKey, err := keyManager.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	publicKey, err := keyManager.GetPublicKey(privateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Private Key: %s\n", privateKey)
	fmt.Printf("Public Key:  %s\n", publicKey)
}
