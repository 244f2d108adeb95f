package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event vocabulary of the coordinator's live channel.
const (
	evConnected         = "connected"
	evHeartbeat         = "heartbeat"
	evHeartbeatAck      = "heartbeat-ack"
	evError             = "error"
	evRespond           = "challenge:respond"
	evRespondAck        = "challenge:respond-ack"
	evChallengeReceived = "challenge:received"
	evWakeUp            = "challenge:wake-up"
	evChallengeDeclined = "challenge:declined"
	evChallengeTimeout  = "challenge:timeout"
	evSessionReady      = "session:ready"
)

type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type userRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type challengeEvent struct {
	ChallengeID string  `json:"challengeId"`
	Challenger  userRef `json:"challenger"`
	GameType    string  `json:"gameType"`
}

type sessionReadyEvent struct {
	SessionID string  `json:"sessionId"`
	Opponent  userRef `json:"opponent"`
	GameType  string  `json:"gameType"`
}

// player drives one simulated user end to end.
type player struct {
	cfg  *Config
	http *http.Client
	log  *logrus.Entry

	userID string
	token  string

	conn   *websocket.Conn
	connMu sync.Mutex // gorilla allows a single concurrent writer
}

func newPlayer(cfg *Config, log *logrus.Entry) *player {
	return &player{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

// run owns the whole session: sign in, dial the live channel, heartbeat, and
// react to events until the context ends or the server goes away.
func (p *player) run(ctx context.Context) error {
	if err := p.signIn(ctx); err != nil {
		return err
	}
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.conn.Close()

	frames := make(chan message)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg message
			if err := p.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	if p.cfg.Opponent != "" {
		if err := p.issueChallenge(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.connMu.Lock()
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			p.connMu.Unlock()
			return nil
		case <-ticker.C:
			if err := p.send(evHeartbeat, nil); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("live channel closed: %w", err)
		case msg := <-frames:
			if err := p.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// signIn registers the configured user, falling back to login when the
// account already exists from a previous run.
func (p *player) signIn(ctx context.Context) error {
	env, status, err := p.call(ctx, http.MethodPost, "/auth/register", map[string]string{
		"username": p.cfg.Username,
		"email":    p.cfg.Email,
		"password": p.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if status == http.StatusConflict {
		env, _, err = p.call(ctx, http.MethodPost, "/auth/login", map[string]string{
			"email":    p.cfg.Email,
			"password": p.cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	if !env.Success {
		return fmt.Errorf("authentication rejected: %s", env.Error)
	}

	var auth struct {
		User  userRef `json:"user"`
		Token string  `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &auth); err != nil {
		return fmt.Errorf("authentication payload: %w", err)
	}
	p.userID = auth.User.ID
	p.token = auth.Token
	p.log.WithField("userId", p.userID).Info("signed in")
	return nil
}

// connect dials the live channel. The connected frame arrives through the
// ordinary read loop.
func (p *player) connect(ctx context.Context) error {
	url := wsURL(p.cfg.ServerURL) + "/ws?token=" + p.token
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial live channel: %w", err)
	}
	p.conn = conn
	return nil
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server
}

func (p *player) handle(ctx context.Context, msg message) error {
	switch msg.Event {
	case evConnected:
		p.log.Info("live channel up")

	case evHeartbeatAck, evRespondAck:
		p.log.WithField("event", msg.Event).Debug("acknowledged")

	case evChallengeReceived:
		var ev challengeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("challenge:received payload: %w", err)
		}
		p.log.WithFields(logrus.Fields{
			"challengeId": ev.ChallengeID,
			"from":        ev.Challenger.Username,
			"game":        ev.GameType,
		}).Info("challenged")
		if p.cfg.Auto {
			return p.acceptChallenge(ctx, ev.ChallengeID)
		}

	case evWakeUp:
		var ev challengeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("challenge:wake-up payload: %w", err)
		}
		if !p.cfg.Auto {
			p.log.WithField("challengeId", ev.ChallengeID).Info("wake-up received, not answering without -auto")
			return nil
		}
		response := "ACCEPT"
		if rand.Float64() < p.cfg.DeclineRatio {
			response = "DECLINE"
		}
		p.log.WithFields(logrus.Fields{"challengeId": ev.ChallengeID, "response": response}).Info("answering wake-up")
		return p.send(evRespond, map[string]string{"challengeId": ev.ChallengeID, "response": response})

	case evSessionReady:
		var ev sessionReadyEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("session:ready payload: %w", err)
		}
		p.log.WithFields(logrus.Fields{
			"sessionId": ev.SessionID,
			"opponent":  ev.Opponent.Username,
			"game":      ev.GameType,
		}).Info("session ready")

	case evChallengeDeclined:
		p.log.WithField("data", string(msg.Data)).Info("challenge declined")

	case evChallengeTimeout:
		p.log.WithField("data", string(msg.Data)).Info("challenge timed out")

	case evError:
		var ev struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Data, &ev)
		p.log.WithField("message", ev.Message).Warn("server reported an error")

	default:
		p.log.WithField("event", msg.Event).Debug("ignoring event")
	}
	return nil
}

// acceptChallenge answers an incoming challenge over HTTP; acceptance is not
// part of the live-channel vocabulary.
func (p *player) acceptChallenge(ctx context.Context, challengeID string) error {
	env, status, err := p.call(ctx, http.MethodPost, "/challenges/"+challengeID+"/accept", nil)
	if err != nil {
		return fmt.Errorf("accept %s: %w", challengeID, err)
	}
	if !env.Success {
		// Under load the challenge may expire or get pruned before the
		// accept lands. That is the server doing its job, not a protocol
		// error; move on.
		if status == http.StatusConflict || status == http.StatusNotFound {
			p.log.WithField("challengeId", challengeID).Debug("challenge already moved on")
			return nil
		}
		return fmt.Errorf("accept %s rejected: %s", challengeID, env.Error)
	}
	p.log.WithField("challengeId", challengeID).Info("accepted, waking the challenger")
	return nil
}

// issueChallenge resolves the opponent by username and creates a challenge.
func (p *player) issueChallenge(ctx context.Context) error {
	env, _, err := p.call(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("list users rejected: %s", env.Error)
	}
	var listing struct {
		Users []userRef `json:"users"`
	}
	if err := json.Unmarshal(env.Data, &listing); err != nil {
		return fmt.Errorf("users payload: %w", err)
	}
	var opponentID string
	for _, u := range listing.Users {
		if u.Username == p.cfg.Opponent {
			opponentID = u.ID
			break
		}
	}
	if opponentID == "" {
		return fmt.Errorf("no user named %q on the server", p.cfg.Opponent)
	}

	env, _, err = p.call(ctx, http.MethodPost, "/challenges", map[string]string{
		"challengedId": opponentID,
		"gameType":     p.cfg.GameType,
	})
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("create challenge rejected: %s", env.Error)
	}
	var created struct {
		Challenge struct {
			ID string `json:"id"`
		} `json:"challenge"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		return fmt.Errorf("challenge payload: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"challengeId": created.Challenge.ID,
		"opponent":    p.cfg.Opponent,
	}).Info("challenge sent")
	return nil
}

// send writes one frame on the live channel.
func (p *player) send(event string, payload any) error {
	msg := message{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(msg)
}

// call sends one JSON request and decodes the response envelope. The status
// code comes back alongside so callers can tell expected rejections apart.
func (p *player) call(ctx context.Context, method, path string, body any) (*envelope, int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.ServerURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s %s: undecodable response (status %d): %w", method, path, resp.StatusCode, err)
	}
	return &env, resp.StatusCode, nil
}
