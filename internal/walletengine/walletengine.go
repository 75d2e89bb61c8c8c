// Package walletengine implements syncjob.WalletEngine against an
// Esplora-compatible chain-watching service (the same family of API the
// teacher's internal/scanner.BlockstreamProvider polls for balances), scoped
// down to the four calls Component I's sync job actually needs: the UTXO set
// behind a set of watched scripts, chain tip height, and a broadcast
// transaction's confirmation depth and raw bytes.
package walletengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/syncjob"
)

// esploraUTXO mirrors Esplora's /scripthash/:hash/utxo response shape.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// esploraTx mirrors the subset of Esplora's /tx/:txid response this client
// reads to derive confirmation depth.
type esploraTx struct {
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// Client implements syncjob.WalletEngine against an Esplora-style HTTP API.
type Client struct {
	client  *http.Client
	baseURL string
}

// New builds a Client against baseURL (e.g. cfg.WalletEngineURL), timing
// every request out after timeout.
func New(baseURL string, timeout time.Duration) *Client {
	slog.Info("wallet engine client created", "url", baseURL)
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

var _ syncjob.WalletEngine = (*Client)(nil)

// FetchUTXOs returns the current UTXO set for each of the given output
// scripts, one request per script (Esplora's scripthash endpoint is
// single-script, same batching shape as the teacher's per-address
// Blockstream provider).
func (c *Client) FetchUTXOs(ctx context.Context, scripts []string) ([]syncjob.ObservedUTXO, error) {
	var out []syncjob.ObservedUTXO
	for _, scriptHex := range scripts {
		scriptHash, err := scriptHashFor(scriptHex)
		if err != nil {
			return nil, fmt.Errorf("derive scripthash for %s: %w", scriptHex, err)
		}

		var utxos []esploraUTXO
		if err := c.getJSON(ctx, fmt.Sprintf("/scripthash/%s/utxo", scriptHash), &utxos); err != nil {
			return nil, fmt.Errorf("fetch utxos for script %s: %w", scriptHex, err)
		}

		for _, u := range utxos {
			amount, err := primitives.NewSatoshis(u.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid utxo amount for %s:%d: %w", u.TxID, u.Vout, err)
			}
			observed := syncjob.ObservedUTXO{
				OutPoint:   primitives.OutPoint{TxID: u.TxID, Vout: u.Vout},
				ScriptHex:  scriptHex,
				AmountSats: amount,
			}
			if u.Status.Confirmed {
				height := u.Status.BlockHeight
				observed.BlockHeight = &height
			}
			out = append(out, observed)
		}
	}

	return out, nil
}

// ChainHeight returns the current chain tip height via Esplora's
// /blocks/tip/height endpoint.
func (c *Client) ChainHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("fetch chain tip height: %w", err)
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chain tip height %q: %w", body, err)
	}
	return height, nil
}

// TxConfirmations reports confirmation depth for txID, found=false if the
// wallet engine has not seen it in the mempool or a block.
func (c *Client) TxConfirmations(ctx context.Context, txID string) (int64, bool, error) {
	var tx esploraTx
	if err := c.getJSON(ctx, "/tx/"+txID, &tx); err != nil {
		if err == errNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fetch tx %s: %w", txID, err)
	}
	if !tx.Status.Confirmed {
		return 0, true, nil
	}

	tip, err := c.ChainHeight(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("fetch chain height for tx %s confirmations: %w", txID, err)
	}
	confs := tip - tx.Status.BlockHeight + 1
	if confs < 0 {
		confs = 0
	}
	return confs, true, nil
}

// FetchRawTx returns txID's raw bytes via Esplora's /tx/:txid/raw endpoint,
// found=false if the wallet engine has not observed it.
func (c *Client) FetchRawTx(ctx context.Context, txID string) ([]byte, bool, error) {
	body, err := c.get(ctx, "/tx/"+txID+"/raw")
	if err != nil {
		if err == errNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch raw tx %s: %w", txID, err)
	}
	return body, true, nil
}

var errNotFound = fmt.Errorf("wallet engine: resource not found")

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// scriptHashFor computes Electrum's reversed-sha256 scripthash for an
// output script given as hex, the address Esplora's scripthash endpoints key
// on.
func scriptHashFor(scriptHex string) (string, error) {
	raw, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", fmt.Errorf("decode script hex: %w", err)
	}
	sum := sha256.Sum256(raw)
	reversed := make([]byte, len(sum))
	for i, b := range sum {
		reversed[len(sum)-1-i] = b
	}
	return hex.EncodeToString(reversed), nil
}
