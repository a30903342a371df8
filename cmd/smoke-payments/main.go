// Command smoke-payments runs the whole client stack against a live API:
// SDK init, login, token exchange, then a one-Pi payment settled end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"avantemaps.app/internal/config"
	"avantemaps.app/internal/identity"
	"avantemaps.app/internal/ledger/remote"
	"avantemaps.app/internal/payment"
	"avantemaps.app/internal/wallet"
)

func main() {
	log.SetFlags(0)

	apiBase := envOr("AVANTE_API_BASE", "http://localhost:8080")
	piBase := envOr("PI_API_BASE", "https://api.sandbox.minepi.com")
	userToken := os.Getenv("PI_ACCESS_TOKEN")
	if userToken == "" {
		log.Fatal("missing PI_ACCESS_TOKEN: a sandbox access token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sdk := wallet.NewPiSDK(piBase, userToken)
	loader := wallet.NewLoader(
		func(ctx context.Context) (wallet.SDK, error) { return sdk, nil },
		wallet.InitOptions{Version: config.DefaultProtocolVersion, Sandbox: true},
	)
	negotiator := wallet.NewNegotiator(loader, func() bool { return true })

	dir := identity.NewMemoryDirectory()
	store := identity.NewStore(filepath.Join(os.TempDir(), "avante-smoke-session.json"), dir)
	defer store.Clear()

	coord := identity.NewCoordinator(loader, negotiator, store, dir)
	if err := coord.Login(ctx); err != nil {
		log.Fatalf("login: %v", err)
	}
	id, ok := coord.Current()
	if !ok {
		log.Fatal("login reported success but no identity is present")
	}
	fmt.Printf("logged in as %s (%s)\n", id.Username, id.UID)

	apiToken, err := exchangeToken(ctx, apiBase, userToken)
	if err != nil {
		log.Fatalf("token exchange: %v", err)
	}

	functions := remote.New(apiBase, apiToken)
	orch := payment.NewOrchestrator(coord, negotiator, payment.LoaderSource(loader), functions)

	res, err := orch.Pay(ctx, 1, id.Tier, "monthly")
	if err != nil {
		log.Fatalf("pay: %v (%s)", err, res.Message)
	}
	if !res.Success {
		log.Fatalf("payment did not settle: %s", res.Message)
	}
	fmt.Printf("payment %s settled, txid %s\n", res.PaymentID, res.TransactionID)

	// Confirm the server agrees the payment reached its terminal state.
	status, err := functions.Status(ctx, res.PaymentID)
	if err != nil {
		log.Fatalf("payment-status: %v", err)
	}
	if !status.Status.Completed {
		log.Fatalf("server disagrees on settlement: %+v", status.Status)
	}

	fmt.Println("SMOKE OK")
}

func exchangeToken(ctx context.Context, apiBase, accessToken string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"accessToken": accessToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
