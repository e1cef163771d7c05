package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// securedSuffix is appended to request ids of secured (HMAC-wrapped) writes.
const securedSuffix = "sm"

// Decode turns a text frame into a Frame. It never fails: unparseable input
// yields FrameMalformed and unrecognized types yield FrameUnknown.
func Decode(data []byte) Frame {
	if !gjson.ValidBytes(data) {
		return malformed(data, "", fmt.Errorf("%w: invalid JSON", ErrProtocolViolation))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return malformed(data, "", fmt.Errorf("%w: frame is not an object", ErrProtocolViolation))
	}
	t := root.Get("type")
	if !t.Exists() || t.Type != gjson.String || t.Str == "" {
		return malformed(data, "", fmt.Errorf("%w: missing type", ErrProtocolViolation))
	}

	f := Frame{Type: t.Str, Raw: data}
	var err error
	switch t.Str {
	case TypeHello:
		f.Kind = FrameHello
		f.Hello = &Hello{}
		err = json.Unmarshal(data, f.Hello)

	case TypeAuthChallenge:
		f.Kind = FrameAuthChallenge
		f.Challenge = &Challenge{}
		if err = json.Unmarshal(data, f.Challenge); err == nil && f.Challenge.Challenge == "" {
			err = fmt.Errorf("%w: empty challenge", ErrProtocolViolation)
		}
	case TypeAuthRequired:
		f.Kind = FrameAuthChallenge
		f.Dialect = DialectFirmware
		f.Challenge = &Challenge{}
		if err = json.Unmarshal(data, f.Challenge); err == nil && (f.Challenge.Token1 == "" || f.Challenge.Token2 == "") {
			err = fmt.Errorf("%w: missing auth tokens", ErrProtocolViolation)
		}

	case TypeAuthResult:
		f.Kind = FrameAuthResult
		f.Result = &AuthResult{}
		if !root.Get("approved").Exists() {
			err = fmt.Errorf("%w: auth_result without approved flag", ErrProtocolViolation)
			break
		}
		err = json.Unmarshal(data, f.Result)
	case TypeAuthSuccess:
		f.Kind = FrameAuthResult
		f.Dialect = DialectFirmware
		f.Result = &AuthResult{Approved: true}
	case TypeAuthError:
		f.Kind = FrameAuthResult
		f.Dialect = DialectFirmware
		f.Result = &AuthResult{Approved: false, Message: root.Get("message").String()}

	case TypeFullSync:
		f.Kind = FrameFullSync
		f.Partial = root.Get("partial").Bool()
		f.Updates, err = decodeProps(root.Get("props"))
	case TypeFullStatus:
		f.Kind = FrameFullSync
		f.Dialect = DialectFirmware
		f.Partial = root.Get("partial").Bool()
		f.Updates, err = decodeProps(root.Get("status"))

	case TypePropertyUpdate:
		f.Kind = FramePropertyUpdate
		f.Updates, err = decodePropertyUpdate(root)
	case TypeDeltaStatus:
		f.Kind = FramePropertyUpdate
		f.Dialect = DialectFirmware
		f.Updates, err = decodeProps(root.Get("status"))

	case TypeResponse:
		f.Kind = FrameResponse
		f.Response, err = decodeResponse(root)
		if root.Get("requestId").Exists() {
			f.Dialect = DialectFirmware
		}

	case TypePong:
		f.Kind = FramePong

	case TypeError:
		f.Kind = FrameError
		f.Error = &ErrorPayload{}
		err = json.Unmarshal(data, f.Error)

	default:
		f.Kind = FrameUnknown
	}

	if err != nil {
		return malformed(data, t.Str, err)
	}
	return f
}

func malformed(data []byte, typ string, err error) Frame {
	return Frame{Kind: FrameMalformed, Type: typ, Raw: data, Err: err}
}

// decodeProps decodes an object of key → value into updates sorted by key.
func decodeProps(res gjson.Result) ([]Update, error) {
	if !res.Exists() {
		return nil, fmt.Errorf("%w: missing properties", ErrProtocolViolation)
	}
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: properties must be an object", ErrProtocolViolation)
	}
	var props map[string]Value
	if err := json.Unmarshal([]byte(res.Raw), &props); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	updates := make([]Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, Update{Key: k, Value: props[k]})
	}
	return updates, nil
}

func decodePropertyUpdate(root gjson.Result) ([]Update, error) {
	if batch := root.Get("updates"); batch.Exists() {
		if !batch.IsArray() {
			return nil, fmt.Errorf("%w: updates must be an array", ErrProtocolViolation)
		}
		var updates []Update
		for _, item := range batch.Array() {
			u, err := decodeKeyValue(item)
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
		}
		return updates, nil
	}
	u, err := decodeKeyValue(root)
	if err != nil {
		return nil, err
	}
	return []Update{u}, nil
}

func decodeKeyValue(res gjson.Result) (Update, error) {
	key := res.Get("key")
	if key.Type != gjson.String || key.Str == "" {
		return Update{}, fmt.Errorf("%w: update without key", ErrProtocolViolation)
	}
	raw := res.Get("value")
	if !raw.Exists() {
		return Update{}, fmt.Errorf("%w: update for %s without value", ErrProtocolViolation, key.Str)
	}
	var v Value
	if err := json.Unmarshal([]byte(raw.Raw), &v); err != nil {
		return Update{}, fmt.Errorf("%w: value for %s: %v", ErrProtocolViolation, key.Str, err)
	}
	return Update{Key: key.Str, Value: v}, nil
}

func decodeResponse(root gjson.Result) (*Response, error) {
	id := root.Get("request_id")
	if !id.Exists() {
		id = root.Get("requestId")
	}
	reqID, err := parseRequestID(id)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		RequestID: reqID,
		Success:   root.Get("success").Bool(),
		Message:   root.Get("message").String(),
	}
	if status := root.Get("status"); status.Exists() && status.IsObject() {
		resp.Status, err = decodeProps(status)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func parseRequestID(res gjson.Result) (int64, error) {
	switch res.Type {
	case gjson.Number:
		return res.Int(), nil
	case gjson.String:
		s := strings.TrimSuffix(strings.TrimSpace(res.Str), securedSuffix)
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad request id %q", ErrProtocolViolation, res.Str)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: response without request id", ErrProtocolViolation)
}

// ═══════════════════════════════════════════════════════════════════════════
// ENCODERS
// ═══════════════════════════════════════════════════════════════════════════

type authResponse struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

type firmwareAuth struct {
	Type   string `json:"type"`
	Token3 string `json:"token3"`
	Hash   string `json:"hash"`
}

type setValue struct {
	Type      string `json:"type"`
	RequestID int64  `json:"request_id"`
	Key       string `json:"key"`
	Value     Value  `json:"value"`
}

type firmwareSetValue struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	Key       string `json:"key"`
	Value     Value  `json:"value"`
}

type getValue struct {
	Type      string `json:"type"`
	RequestID int64  `json:"request_id"`
	Key       string `json:"key"`
}

type securedMsg struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	RequestID string `json:"request_id"`
	HMAC      string `json:"hmac"`
}

type firmwareSecuredMsg struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	RequestID string `json:"requestId"`
	HMAC      string `json:"hmac"`
}

type ping struct {
	Type string `json:"type"`
}

// EncodeAuthResponse answers a native challenge.
func EncodeAuthResponse(hash string) ([]byte, error) {
	return json.Marshal(authResponse{Type: TypeAuthResponse, Hash: hash})
}

// EncodeFirmwareAuth answers a firmware authRequired challenge.
func EncodeFirmwareAuth(token3, hash string) ([]byte, error) {
	return json.Marshal(firmwareAuth{Type: TypeAuth, Token3: token3, Hash: hash})
}

// EncodeSetValue requests a property write.
func EncodeSetValue(d Dialect, requestID int64, key string, v Value) ([]byte, error) {
	if d == DialectFirmware {
		return json.Marshal(firmwareSetValue{Type: TypeFirmwareSetValue, RequestID: requestID, Key: key, Value: v})
	}
	return json.Marshal(setValue{Type: TypeSetValue, RequestID: requestID, Key: key, Value: v})
}

// EncodeGetValue requests the current value of a poll-only property.
// Fresh reads exist only in the native dialect: firmware sessions get the
// same native frame, and chargers that do not answer it leave the read to
// time out.
func EncodeGetValue(requestID int64, key string) ([]byte, error) {
	return json.Marshal(getValue{Type: TypeGetValue, RequestID: requestID, Key: key})
}

// EncodeSecured wraps an already encoded frame together with its HMAC.
func EncodeSecured(d Dialect, requestID int64, data []byte, mac string) ([]byte, error) {
	id := strconv.FormatInt(requestID, 10) + securedSuffix
	if d == DialectFirmware {
		return json.Marshal(firmwareSecuredMsg{Type: TypeFirmwareSecuredMsg, Data: string(data), RequestID: id, HMAC: mac})
	}
	return json.Marshal(securedMsg{Type: TypeSecuredMsg, Data: string(data), RequestID: id, HMAC: mac})
}

// EncodePing builds an application level keepalive.
func EncodePing() ([]byte, error) {
	return json.Marshal(ping{Type: TypePing})
}
