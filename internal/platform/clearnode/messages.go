package clearnode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Message is one decoded inbound frame. The set of implementations is closed.
type Message interface {
	requestID() uint64
}

// AuthChallenge asks the engine to sign a challenge with its long-lived key.
type AuthChallenge struct {
	ID        uint64
	Challenge string
}

// AuthVerifyResult answers auth_verify. Only Success == true authenticates.
type AuthVerifyResult struct {
	ID         uint64
	Success    bool
	Address    string
	SessionKey string
	JWT        string
}

// AppSession is the part of an app session the engine reads.
type AppSession struct {
	SessionID    string
	Status       string
	Version      uint64
	Participants []common.Address
	SessionData  string
}

// AppSessionOpened is pushed when a session is created.
type AppSessionOpened struct {
	ID      uint64
	Session AppSession
}

// AppSessionStateUpdated is pushed when a session's state changes.
type AppSessionStateUpdated struct {
	ID      uint64
	Session AppSession
}

// GenericResponse is any other well-formed response.
type GenericResponse struct {
	ID     uint64
	Method string
	Params json.RawMessage
}

// GenericError is a server-side error response.
type GenericError struct {
	ID      uint64
	Message string
}

func (m AuthChallenge) requestID() uint64          { return m.ID }
func (m AuthVerifyResult) requestID() uint64       { return m.ID }
func (m AppSessionOpened) requestID() uint64       { return m.ID }
func (m AppSessionStateUpdated) requestID() uint64 { return m.ID }
func (m GenericResponse) requestID() uint64        { return m.ID }
func (m GenericError) requestID() uint64           { return m.ID }

func (e GenericError) Error() string { return "clearnode: " + e.Message }

// Methods the engine sends or receives.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodError             = "error"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodCreateAppSession  = "create_app_session"
	MethodSubmitAppState    = "submit_app_state"
	MethodCloseAppSession   = "close_app_session"
	MethodPing              = "ping"

	// Push notifications.
	MethodAppSessionCreated = "app_session_created"
	MethodAppSessionUpdate  = "asu"
)

var errMalformed = errors.New("clearnode: malformed message")

// envelope is the wire frame: {"req"|"res": [id, method, params, ts], "sig": [...]}.
type envelope struct {
	Req []json.RawMessage `json:"req,omitempty"`
	Res []json.RawMessage `json:"res,omitempty"`
	Sig []string          `json:"sig"`
}

// payload is the [id, method, params, ts] tuple.
type payload struct {
	ID        uint64
	Method    string
	Params    any
	Timestamp int64
}

func (p payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal([]any{p.ID, p.Method, params, p.Timestamp})
}

// decode turns a raw frame into a Message. Anything that does not match a
// known shape is rejected.
func decode(raw []byte) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(env.Res) != 4 {
		return nil, fmt.Errorf("%w: res has %d elements", errMalformed, len(env.Res))
	}

	var (
		id     uint64
		method string
	)
	if err := json.Unmarshal(env.Res[0], &id); err != nil {
		return nil, fmt.Errorf("%w: request id: %v", errMalformed, err)
	}
	if err := json.Unmarshal(env.Res[1], &method); err != nil || method == "" {
		return nil, fmt.Errorf("%w: method", errMalformed)
	}
	params := env.Res[2]

	switch method {
	case MethodAuthChallenge:
		var p struct {
			Challenge string `json:"challenge_message"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Challenge == "" {
			return nil, fmt.Errorf("%w: auth_challenge params", errMalformed)
		}
		return AuthChallenge{ID: id, Challenge: p.Challenge}, nil

	case MethodAuthVerify:
		var p struct {
			Success    *bool  `json:"success"`
			Address    string `json:"address"`
			SessionKey string `json:"session_key"`
			JWT        string `json:"jwt_token"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Success == nil {
			return nil, fmt.Errorf("%w: auth_verify params", errMalformed)
		}
		return AuthVerifyResult{ID: id, Success: *p.Success, Address: p.Address, SessionKey: p.SessionKey, JWT: p.JWT}, nil

	case MethodError:
		var p struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Error == "" {
			return nil, fmt.Errorf("%w: error params", errMalformed)
		}
		return GenericError{ID: id, Message: p.Error}, nil

	case MethodAppSessionCreated, MethodAppSessionUpdate:
		s, err := decodeAppSession(params)
		if err != nil {
			return nil, err
		}
		if method == MethodAppSessionCreated {
			return AppSessionOpened{ID: id, Session: s}, nil
		}
		return AppSessionStateUpdated{ID: id, Session: s}, nil

	default:
		if !json.Valid(params) {
			return nil, fmt.Errorf("%w: params", errMalformed)
		}
		return GenericResponse{ID: id, Method: method, Params: params}, nil
	}
}

type appSessionWire struct {
	AppSessionID string   `json:"app_session_id"`
	Status       string   `json:"status"`
	Version      uint64   `json:"version"`
	Participants []string `json:"participants"`
	SessionData  string   `json:"session_data"`
}

// decodeAppSession accepts the session flat or wrapped in "app_session".
func decodeAppSession(raw json.RawMessage) (AppSession, error) {
	var wrapped struct {
		AppSession *appSessionWire `json:"app_session"`
	}
	var w appSessionWire
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.AppSession != nil {
		w = *wrapped.AppSession
	} else if err := json.Unmarshal(raw, &w); err != nil {
		return AppSession{}, fmt.Errorf("%w: app session: %v", errMalformed, err)
	}
	if w.AppSessionID == "" {
		return AppSession{}, fmt.Errorf("%w: app session id missing", errMalformed)
	}

	s := AppSession{
		SessionID:   strings.ToLower(w.AppSessionID),
		Status:      w.Status,
		Version:     w.Version,
		SessionData: w.SessionData,
	}
	for _, p := range w.Participants {
		if !common.IsHexAddress(p) {
			return AppSession{}, fmt.Errorf("%w: participant %q", errMalformed, p)
		}
		s.Participants = append(s.Participants, common.HexToAddress(p))
	}
	return s, nil
}
