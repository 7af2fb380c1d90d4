package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// StatusError is a response the server produced. Anything else is a
// transport failure and may be queued for replay.
type StatusError struct {
	Status  int
	Reason  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api status %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsAPIError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) KeepAlive(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/keepalive", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) FindOpponent(ctx context.Context, accessToken string, exclude []string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/match", accessToken, map[string]any{
		"exclude": exclude,
	}, &out, "")
	return out, err
}

func (c *Client) Revenge(ctx context.Context, accessToken, targetID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/revenge", accessToken, map[string]any{
		"target_id": targetID,
	}, &out, "")
	return out, err
}

func (c *Client) FindDevBase(ctx context.Context, accessToken string, seen []string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/devbase", accessToken, map[string]any{
		"seen": seen,
	}, &out, "")
	return out, err
}

func (c *Client) ShareBase(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/devbases", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) ReleaseTarget(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/release", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) BattleStart(ctx context.Context, accessToken, battleID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pvp/battle", accessToken, map[string]any{
		"battle_id": battleID,
	}, &out, "")
	return out, err
}

func (c *Client) Guild(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/guild", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Notifications(ctx context.Context, accessToken string, since int64) (map[string]any, error) {
	var out map[string]any
	path := "/v1/guild/notifications?since=" + strconv.FormatInt(since, 10)
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) CurrentWar(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/war", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) WarHistory(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/war/history", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) WarSignUp(ctx context.Context, accessToken string, participantIDs []string, sameFaction bool, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/war/signup", accessToken, map[string]any{
		"participant_ids":      participantIDs,
		"same_faction_allowed": sameFaction,
	}, &out, idem)
	return out, err
}

func (c *Client) WarCancel(ctx context.Context, accessToken, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, "/v1/war/signup", accessToken, nil, &out, idem)
	return out, err
}

func (c *Client) AttackStart(ctx context.Context, accessToken, defenderID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/war/attacks", accessToken, map[string]any{
		"defender_id": defenderID,
	}, &out, "")
	return out, err
}

func (c *Client) AttackComplete(ctx context.Context, accessToken, battleID string, stars int, idem string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/war/attacks/" + url.PathEscape(battleID) + "/complete"
	err := c.jsonRequest(ctx, http.MethodPost, path, accessToken, map[string]any{
		"stars": stars,
	}, &out, idem)
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, accessToken, tournamentID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/tournaments/"+url.PathEscape(tournamentID)+"/leaderboard", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) TournamentRank(ctx context.Context, accessToken, tournamentID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/tournaments/"+url.PathEscape(tournamentID)+"/rank", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SyncReplay(ctx context.Context, accessToken string, commands any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sync/replay", accessToken, map[string]any{
		"commands": commands,
	}, &out, "")
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			se.Message, se.Reason = payload.Error, payload.Reason
		}
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
