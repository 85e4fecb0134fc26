package mintapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"nutwallet/cashu"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadLimit     = 1 << 20
	kindMintQuote   = "bolt11_mint_quote"
	kindMeltQuote   = "bolt11_melt_quote"
	subscribeMethod = "subscribe"
)

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	Kind    string          `json:"kind,omitempty"`
	SubID   string          `json:"subId"`
	Filters []string        `json:"filters,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type rpcMessage struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      *int       `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Params  *rpcParams `json:"params,omitempty"`
	Result  *struct {
		Status string `json:"status"`
		SubID  string `json:"subId"`
	} `json:"result,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// SubscribeMintQuote streams NUT-17 updates for a mint quote.
func (c *Client) SubscribeMintQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MintQuote, error) {
	return subscribe(ctx, c, issuer, kindMintQuote, quoteID, func(raw json.RawMessage) (cashu.MintQuote, error) {
		var resp mintQuoteResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return cashu.MintQuote{}, err
		}
		if resp.Quote == "" {
			resp.Quote = quoteID
		}
		return resp.quote(issuer, 0, cashu.DefaultUnit, c.now()), nil
	})
}

// SubscribeMeltQuote streams NUT-17 updates for a melt quote.
func (c *Client) SubscribeMeltQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MeltQuote, error) {
	return subscribe(ctx, c, issuer, kindMeltQuote, quoteID, func(raw json.RawMessage) (cashu.MeltQuote, error) {
		var resp meltQuoteResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return cashu.MeltQuote{}, err
		}
		if resp.Quote == "" {
			resp.Quote = quoteID
		}
		return resp.quote(issuer, "", c.now()), nil
	})
}

func websocketURL(issuer cashu.IssuerURL) string {
	endpoint := issuer.Endpoint("v1/ws")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

func subscribe[T any](ctx context.Context, c *Client, issuer cashu.IssuerURL, kind, quoteID string, decode func(json.RawMessage) (T, error)) (<-chan T, error) {
	if err := c.limiter(issuer).Wait(ctx); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	header := http.Header{}
	header.Set("User-Agent", c.cfg.UserAgent)
	conn, _, err := websocket.Dial(dialCtx, websocketURL(issuer), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: dial websocket: %v", cashu.ErrIssuerUnreachable, err)
	}
	conn.SetReadLimit(wsReadLimit)

	subID := uuid.NewString()
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  subscribeMethod,
		Params:  rpcParams{Kind: kind, SubID: subID, Filters: []string{quoteID}},
		ID:      1,
	}
	if err := writeMessage(dialCtx, conn, req); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("%w: subscribe: %v", cashu.ErrIssuerUnreachable, err)
	}
	var pending []rpcMessage
	for {
		msg, err := readMessage(dialCtx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return nil, fmt.Errorf("%w: subscribe: %v", cashu.ErrIssuerUnreachable, err)
		}
		if msg.ID == nil || *msg.ID != req.ID {
			pending = append(pending, msg)
			continue
		}
		if msg.Error != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "subscription rejected")
			return nil, &APIError{Status: http.StatusBadRequest, Code: msg.Error.Code, Detail: msg.Error.Message}
		}
		break
	}

	out := make(chan T, 8)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "subscription closed")
		deliver := func(msg rpcMessage) bool {
			if msg.Method != subscribeMethod || msg.Params == nil || msg.Params.SubID != subID {
				return true
			}
			update, err := decode(msg.Params.Payload)
			if err != nil {
				c.logger.Warn("discarding malformed quote notification",
					slog.String("issuer", issuer.String()),
					slog.String("quote", quoteID),
					slog.Any("error", err))
				return true
			}
			select {
			case out <- update:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, msg := range pending {
			if !deliver(msg) {
				return
			}
		}
		for {
			msg, err := readMessage(ctx, conn)
			if err != nil {
				if ctx.Err() != nil {
					c.unsubscribe(conn, subID)
				} else {
					c.logger.Debug("quote subscription ended",
						slog.String("issuer", issuer.String()),
						slog.String("quote", quoteID),
						slog.Any("error", err))
				}
				return
			}
			if !deliver(msg) {
				c.unsubscribe(conn, subID)
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) unsubscribe(conn *websocket.Conn, subID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = writeMessage(ctx, conn, rpcRequest{
		JSONRPC: "2.0",
		Method:  "unsubscribe",
		Params:  rpcParams{SubID: subID},
		ID:      2,
	})
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func readMessage(ctx context.Context, conn *websocket.Conn) (rpcMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return rpcMessage{}, err
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return rpcMessage{}, fmt.Errorf("decode rpc message: %w", err)
	}
	return msg, nil
}
