package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MESHCALL_ICE_SERVERS_JSON"

	envStunURLs       = "MESHCALL_STUN_URLS"
	envTurnURLs       = "MESHCALL_TURN_URLS"
	envTurnUsername   = "MESHCALL_TURN_USERNAME"
	envTurnCredential = "MESHCALL_TURN_CREDENTIAL"
)

// ICE servers come in two forms: a full JSON list mirroring the RTCIceServer
// shape, or the STUN/TURN convenience variables for the common one-server
// setup. The JSON form wins when both are set.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseICEServersFromURLLists(stunURLs, turnURLs, turnUsername, turnCredential)
}

// ParseICEServersJSON parses a JSON array of {urls, username, credential}
// objects. urls may be a single string or a list, the same shapes an
// RTCPeerConnection config accepts, so one value can serve both the relay's
// /ice endpoint and a hand-written client config.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username,omitempty"`
		Credential string          `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := decodeURLList(e.URLs)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// decodeURLList accepts "stun:..." or ["stun:...", ...]. Blank entries are
// dropped rather than rejected.
func decodeURLList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errors.New("urls must be a string or an array of strings")
		}
		list = []string{one}
	}
	cleaned := make([]string, 0, len(list))
	for _, u := range list {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return cleaned, nil
}

// parseICEServersFromURLLists builds the server list from the comma-separated
// convenience values. TURN is validated eagerly: a TURN URL without long-term
// credentials would make every relayed candidate fail at connect time, which
// is much harder to diagnose than a startup error.
func parseICEServersFromURLLists(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stunList := splitURLList(stunURLs); len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turnList := splitURLList(turnURLs); len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{
			URLs:       turnList,
			Username:   turnUsername,
			Credential: turnCredential,
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitURLList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		turn, err := classifyICEURL(u)
		if err != nil {
			return err
		}
		if turn {
			needsCreds = true
		}
	}

	if needsCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

// classifyICEURL reports whether the URL is a TURN endpoint. Anything outside
// stun/stuns/turn/turns is rejected outright.
func classifyICEURL(raw string) (bool, error) {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return false, errors.New("urls must not contain empty entries")
	case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		return false, nil
	case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
		return true, nil
	default:
		return false, fmt.Errorf("unsupported url scheme: %q", u)
	}
}
