package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

// =============================================================================
// Pair Command Handler
// =============================================================================

type pairOptions struct {
	Code       string
	GatewayURL string
	Label      string
	Exchange   bool
}

// runPair renders the pairing QR and instructions, or exchanges the
// code for a token against the gateway.
func runPair(cmd *cobra.Command, opts pairOptions) error {
	code := strings.TrimSpace(opts.Code)
	if code == "" {
		return fmt.Errorf("pairing code is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.GatewayURL), "/")
	if base == "" {
		return fmt.Errorf("gateway url is required")
	}
	out := cmd.OutOrStdout()

	if opts.Exchange {
		token, err := exchangePairingCode(cmd.Context(), base, code, opts.Label)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Paired successfully.")
		fmt.Fprintf(out, "Token: %s\n", token)
		fmt.Fprintln(out, "\nUse it as a bearer token:")
		fmt.Fprintf(out, "  curl -H 'Authorization: Bearer %s' %s/sessions\n", token, base)
		return nil
	}

	content := fmt.Sprintf("%s/pair?code=%s", base, code)
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	fmt.Fprint(out, qr.ToSmallString(false))
	fmt.Fprintf(out, "\nPairing code: %s\n", code)
	fmt.Fprintf(out, "Gateway:      %s\n", base)
	fmt.Fprintln(out, "\nScan the QR with a client, or exchange the code manually:")
	fmt.Fprintf(out, "  curl -X POST %s/pair -d '{\"code\":\"%s\"}'\n", base, code)
	fmt.Fprintf(out, "  conduit pair %s --exchange\n", code)
	return nil
}

// exchangePairingCode POSTs the code to the gateway's /pair endpoint
// and returns the bearer token.
func exchangePairingCode(ctx context.Context, base, code, label string) (string, error) {
	body, err := json.Marshal(map[string]string{"code": code, "label": label})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/pair", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reach gateway: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if payload.Error != "" {
			return "", fmt.Errorf("pairing failed: %s", payload.Error)
		}
		return "", fmt.Errorf("pairing failed: status %d", resp.StatusCode)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("gateway returned no token")
	}
	return payload.Token, nil
}
