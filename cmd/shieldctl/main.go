package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/babs0022/shield-privacy-guide/pkg/envelope"
	"github.com/babs0022/shield-privacy-guide/pkg/httpx"
	"github.com/babs0022/shield-privacy-guide/pkg/linkcodec"
	"github.com/babs0022/shield-privacy-guide/pkg/models"
	"github.com/babs0022/shield-privacy-guide/pkg/telemetry"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "create":
		return create(args[1:], out)
	case "open":
		return open(args[1:], out)
	case "revoke":
		return revoke(args[1:], out)
	case "status":
		return status(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "shieldctl commands:")
	fmt.Fprintln(out, "  create --file secret.txt --recipient <subject> [--expiry-in 24h] [--max-attempts 1]")
	fmt.Fprintln(out, "  open --link <shield link> [--out plaintext.txt]")
	fmt.Fprintln(out, "  revoke --id <policy id>")
	fmt.Fprintln(out, "  status --id <policy id>")
	fmt.Fprintln(out, "server and credentials come from SHIELD_SERVER, SHIELD_TOKEN, SHIELD_LINK_BASE")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:   envOr("SHIELD_SERVER", "http://localhost:8080"),
		token:  os.Getenv("SHIELD_TOKEN"),
		client: telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second}),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, v interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	code, raw, err := httpx.RequestJSON(ctx, c.client, method, c.base+path, payload, headers, 2, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, code, raw)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func create(args []string, out io.Writer) error {
	fs := newFlagSet("create")
	filePath := fs.String("file", "", "plaintext file to share")
	recipient := fs.String("recipient", "", "recipient subject")
	expiryIn := fs.Duration("expiry-in", 24*time.Hour, "time until the policy expires")
	maxAttempts := fs.Int("max-attempts", 1, "attempt budget")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" || *recipient == "" {
		return errors.New("file and recipient required")
	}
	plaintext, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	key, err := envelope.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	ciphertext, err := envelope.Encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	var resp struct {
		PolicyID string    `json:"policy_id"`
		BlobHash string    `json:"blob_hash"`
		Expiry   time.Time `json:"expiry"`
	}
	c := newAPIClient()
	err = c.do(context.Background(), "POST", "/v1/shares", map[string]interface{}{
		"ciphertext_b64": base64.StdEncoding.EncodeToString(ciphertext),
		"recipient":      *recipient,
		"expiry":         time.Now().Add(*expiryIn).UTC(),
		"max_attempts":   *maxAttempts,
	}, &resp)
	if err != nil {
		return err
	}

	obj, err := envelope.EncodeKey(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	link, err := linkcodec.Build(envOr("SHIELD_LINK_BASE", c.base), resp.PolicyID, obj)
	if err != nil {
		return fmt.Errorf("build link: %w", err)
	}
	fmt.Fprintln(out, link)
	return nil
}

func open(args []string, out io.Writer) error {
	fs := newFlagSet("open")
	link := fs.String("link", "", "share link")
	outPath := fs.String("out", "", "write plaintext here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *link == "" {
		return errors.New("link required")
	}
	id, obj, err := linkcodec.Parse(*link)
	if err != nil {
		return fmt.Errorf("parse link: %w", err)
	}
	key, err := envelope.DecodeKey(obj)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}

	var resp struct {
		Decision      models.Decision `json:"decision"`
		CiphertextB64 string          `json:"ciphertext_b64"`
	}
	c := newAPIClient()
	if err := c.do(context.Background(), "POST", "/v1/shares/"+id+"/open", nil, &resp); err != nil {
		return err
	}
	if !resp.Decision.Granted {
		return fmt.Errorf("access denied: %s", resp.Decision.Reason)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(resp.CiphertextB64)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := envelope.Decrypt(ciphertext, key)
	if err != nil {
		// The attempt is already spent; surfacing the uniform failure
		// is all that is left to do.
		return err
	}
	if *outPath == "" {
		_, err = out.Write(plaintext)
		return err
	}
	if err := os.WriteFile(*outPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func revoke(args []string, out io.Writer) error {
	fs := newFlagSet("revoke")
	id := fs.String("id", "", "policy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !models.ValidID(*id) {
		return errors.New("well-formed policy id required")
	}
	c := newAPIClient()
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(context.Background(), "POST", "/v1/policies/"+*id+"/revoke", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", *id, resp.Status)
	return nil
}

func status(args []string, out io.Writer) error {
	fs := newFlagSet("status")
	id := fs.String("id", "", "policy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !models.ValidID(*id) {
		return errors.New("well-formed policy id required")
	}
	c := newAPIClient()
	var resp json.RawMessage
	if err := c.do(context.Background(), "GET", "/v1/policies/"+*id, nil, &resp); err != nil {
		return err
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(resp, &pretty); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
