// darkpool-sign is a development helper for the trader side of the
// settlement flow. The node builds an unsigned envelope (POST
// /api/settlement/{matchId}/build-tx); each counterparty signs it locally and
// posts the result back. This tool performs that local step with a throwaway
// Ed25519 key so the whole flow can be exercised without a wallet.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/veilmarket/darkpool/pkg/api"
	"github.com/veilmarket/darkpool/pkg/chain"
)

func main() {
	txXDR := flag.String("tx", "", "unsigned envelope XDR from build-tx")
	keyHex := flag.String("key", "", "hex Ed25519 seed (32 bytes); generated when omitted")
	signer := flag.String("signer", "", "trader address to report as signerAddress")
	matchID := flag.String("match", "<matchId>", "match id, used only in the printed instructions")
	flag.Parse()

	// Step 1: Load or generate key
	var seed []byte
	if *keyHex != "" {
		var err error
		seed, err = hex.DecodeString(*keyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			fmt.Println("Error: -key must be a 32-byte hex seed")
			os.Exit(1)
		}
	} else {
		fmt.Println("Generating new Ed25519 keypair...")
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	fmt.Printf("Public Key: %x\n", pub)
	fmt.Printf("Seed: %x (KEEP SECRET!)\n\n", seed)

	if *txXDR == "" {
		printUsage()
		return
	}

	// Step 2: Decode the envelope
	tx, err := chain.DecodeTxXDR(*txXDR)
	if err != nil {
		fmt.Printf("Error decoding envelope: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Envelope Details:")
	fmt.Printf("  Source: %s\n", tx.SourceAccount)
	fmt.Printf("  Sequence: %d\n", tx.SequenceNumber)
	fmt.Printf("  Fee: %d\n", tx.Fee)
	fmt.Printf("  Contract: %s\n", tx.Operation.ContractID)
	fmt.Printf("  Function: %s\n", tx.Operation.Function)
	fmt.Printf("  Signatures so far: %d\n\n", len(tx.Signatures))

	// Step 3: Sign the unsigned envelope hash. Both counterparties must sign
	// the same bytes, so signatures already attached are stripped first.
	unsigned := *tx
	unsigned.Signatures = nil
	unsignedXDR, err := unsigned.EncodeXDR()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	payload, err := chain.HashXDR(unsignedXDR)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	digest, err := hex.DecodeString(payload)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	sig := ed25519.Sign(priv, digest)
	fmt.Printf("Signing payload: %s\n", payload)
	fmt.Printf("Signature: %x\n\n", sig)

	// Step 4: Verify before attaching
	fmt.Println("Verifying signature...")
	if !ed25519.Verify(pub, digest, sig) {
		fmt.Println("✗ Signature INVALID")
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")

	// Step 5: Attach as hint:signature and re-encode
	entry := fmt.Sprintf("%x:%s", pub[:4], base64.StdEncoding.EncodeToString(sig))
	tx.Signatures = append(tx.Signatures, entry)
	signedXDR, err := tx.EncodeXDR()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	signerAddress := *signer
	if signerAddress == "" {
		signerAddress = fmt.Sprintf("%x", pub)
		fmt.Println("\nNOTE: no -signer given; using the hex public key as signerAddress.")
		fmt.Println("The node only accepts addresses that are party to the trade.")
	}

	body, err := json.MarshalIndent(api.SignRequest{
		SignerAddress: signerAddress,
		SignedTxXDR:   signedXDR,
	}, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	// Step 6: Show how to submit to the node
	fmt.Println("\nTo record this signature:")
	fmt.Printf("  POST http://localhost:3001/api/settlement/%s/sign\n", *matchID)
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(body))
}

func printUsage() {
	fmt.Println("No envelope given. Full flow against a running node:")
	fmt.Println()
	fmt.Printf("  1. POST http://localhost:3001/api/settlement/%s/build-tx\n", "<matchId>")
	fmt.Println("     Body: {\"sourceAccount\": \"<source>\"}")
	fmt.Println("     -> returns {\"txXdr\": \"...\"}")
	fmt.Println()
	fmt.Println("  2. darkpool-sign -tx <txXdr> -signer <your trader address> -match <matchId>")
	fmt.Println()
	fmt.Println("  3. POST the printed body; repeat for the counterparty.")
	fmt.Println("     When both legs are signed the node submits automatically.")
}
