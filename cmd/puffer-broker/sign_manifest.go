package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/ingest"
	"github.com/Mindburn-Labs/puffer/broker/pkg/manifest"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// runSignManifest writes <request-id>.manifest.json into the inbox the way
// the phone does after a download. The artifact is copied in first when it
// lives elsewhere.
func runSignManifest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign-manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inboxFlag := fs.String("inbox", "", "Inbox directory (defaults to ICLOUD_INBOX_PATH)")
	requestID := fs.String("request-id", "", "Request the artifact completes (REQUIRED)")
	file := fs.String("file", "", "Statement file (REQUIRED)")
	nonce := fs.String("nonce", "", "Completion nonce (random when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *requestID == "" || *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request-id and --file are required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	raw := *inboxFlag
	if raw == "" {
		raw = cfg.InboxPath
	}
	inbox, err := ingest.ResolveInbox(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (pass --inbox or set ICLOUD_INBOX_PATH)\n", err)
		return 2
	}
	signer, err := crypto.NewHMACSigner(cfg.PhoneSharedSecret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	path, err := signManifest(signer, inbox, *requestID, *file, *nonce, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, path)
	return 0
}

func signManifest(signer crypto.Signer, inbox, requestID, file, nonce string, now time.Time) (string, error) {
	src, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	name := filepath.Base(src)
	dst := filepath.Join(inbox, name)
	if src != dst {
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("copy artifact into inbox: %w", err)
		}
	}

	digest, size, err := crypto.SHA256File(dst)
	if err != nil {
		return "", err
	}
	if nonce == "" {
		if nonce, err = crypto.NewNonce(16); err != nil {
			return "", err
		}
	}

	out, err := manifest.Sign(signer, &manifest.Manifest{
		RequestID:   requestID,
		Filename:    name,
		SHA256:      digest,
		Bytes:       size,
		CompletedAt: requests.FormatTime(now),
		Nonce:       nonce,
	})
	if err != nil {
		return "", err
	}

	// Written under a temporary name so the watcher never sees half a file.
	target := filepath.Join(inbox, requestID+manifest.Suffix)
	tmp, err := os.CreateTemp(inbox, ".manifest-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}

func copyFile(src, dst string) error {
	//nolint:gosec // G304: operator-supplied path
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
