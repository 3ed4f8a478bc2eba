// Command verify checks an exported finaiguard chain document offline.
//
// Usage:
//
//	verify chain.jsonl                       # verify a document file
//	verify < chain.jsonl                     # or read it from stdin
//	verify -attestation head.json chain.jsonl
//
// With -attestation, the signed head attestation must carry a valid
// signature and commit to the same head as the document.
//
// Exit status is 0 when the document verifies, 1 when it does not and 2 on
// usage or input errors.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mbd888/finaiguard/internal/attestation"
	"github.com/mbd888/finaiguard/internal/report"
	"github.com/mbd888/finaiguard/internal/verifier"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	attPath := fs.String("attestation", "", "signed head attestation (JSON) the document must match")
	asJSON := fs.Bool("json", false, "print the verification result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "usage: verify [-attestation file] [-json] [document.jsonl]")
		return 2
	}

	in := stdin
	if fs.NArg() == 1 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "open document: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	res, err := verifier.VerifyDocument(in)
	if err != nil {
		fmt.Fprintf(stderr, "read document: %v\n", err)
		return 2
	}

	var att *report.Attestation
	if *attPath != "" {
		att, err = loadAttestation(*attPath)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	}
	if !res.Valid {
		if !*asJSON {
			fmt.Fprintf(stdout, "INVALID: entry %d: %s\n", res.Index(), res.Reason)
		}
		return 1
	}
	if att != nil {
		if err := checkAttestation(att, res); err != nil {
			fmt.Fprintf(stdout, "INVALID: %v\n", err)
			return 1
		}
	}
	if !*asJSON {
		fmt.Fprintf(stdout, "OK: %d entries verified (%s)\n", res.Checked, res.Algorithm)
		if res.HeadHash != "" {
			fmt.Fprintf(stdout, "head %s\n", res.HeadHash)
		}
		if att != nil {
			fmt.Fprintf(stdout, "attested by %s at %s\n", att.Signer, att.IssuedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	return 0
}

func loadAttestation(path string) (*report.Attestation, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read attestation: %w", err)
	}
	var a report.Attestation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}
	return &a, nil
}

// checkAttestation requires a valid signature over a head that matches the
// verified document.
func checkAttestation(a *report.Attestation, res verifier.Result) error {
	if err := attestation.Verify(a); err != nil {
		return fmt.Errorf("attestation: %w", err)
	}
	if a.Algorithm != res.Algorithm {
		return fmt.Errorf("attestation algorithm %s does not match document %s", a.Algorithm, res.Algorithm)
	}
	if a.Length != res.Checked || a.HeadHash != res.HeadHash {
		return fmt.Errorf("attestation commits to %d entries ending %s, document has %d ending %s",
			a.Length, a.HeadHash, res.Checked, res.HeadHash)
	}
	return nil
}
