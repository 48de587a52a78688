package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/crypto"
)

// signer produces the admin auth headers for a request body.
type signer struct {
	pub  string
	priv ed25519.PrivateKey
}

func newSigner(privB64 string) (*signer, error) {
	if privB64 == "" {
		return nil, fmt.Errorf("admin private key is required (--key or SWITCHBOARD_ADMIN_KEY)")
	}
	priv, err := crypto.ParsePrivateKey(privB64)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &signer{pub: base64.StdEncoding.EncodeToString(pub), priv: priv}, nil
}

// headers signs body with a fresh nonce and the current time.
func (s *signer) headers(body []byte) (http.Header, error) {
	nonce, err := crypto.NewNonce(16)
	if err != nil {
		return nil, err
	}
	ts := time.Now().UnixMilli()

	h := http.Header{}
	h.Set(middleware.HeaderKey, s.pub)
	h.Set(middleware.HeaderNonce, nonce)
	h.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(middleware.HeaderSignature, crypto.SignRequest(s.priv, body, nonce, ts))
	return h, nil
}

// adminClient calls the admin API with signed requests.
type adminClient struct {
	baseURL string
	signer  *signer
	http    *http.Client
}

func (c *adminClient) do(method, path string, body []byte) error {
	req, err := http.NewRequest(method, strings.TrimSuffix(c.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	h, err := c.signer.headers(body)
	if err != nil {
		return err
	}
	req.Header = h
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, out, "", "  ") == nil {
			out = pretty.Bytes()
		}
		fmt.Fprintln(os.Stdout, string(out))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

// readBody returns the contents of file, stdin for "-", or nil for "".
func readBody(file string) ([]byte, error) {
	switch file {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
