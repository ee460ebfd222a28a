package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins adds the demo tools used by the CLI: a clock and a
// delayed echo that exercises the asynchronous pairing path.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(clockTool()); err != nil {
		return err
	}
	return r.Register(sleepEchoTool())
}

func clockTool() Tool {
	return Tool{
		Name:        "clock",
		Description: "Returns the current time. Optionally pass an IANA timezone name.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tz": {"type": "string", "description": "IANA timezone, e.g. Europe/Berlin"}
			},
			"additionalProperties": false
		}`),
		MayInitiate: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				TZ string `json:"tz"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			loc := time.Local
			if args.TZ != "" {
				var err error
				if loc, err = time.LoadLocation(args.TZ); err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.TZ)
				}
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		},
	}
}

func sleepEchoTool() Tool {
	return Tool{
		Name:        "sleep_echo",
		Description: "Echoes the given text after a delay in seconds. Useful for long-running work.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"seconds": {"type": "number", "minimum": 0, "maximum": 600}
			},
			"required": ["text"],
			"additionalProperties": false
		}`),
		MayInitiate: true,
		Allowed:     []string{"clock"},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Text    string  `json:"text"`
				Seconds float64 `json:"seconds"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			delay := time.Duration(args.Seconds * float64(time.Second))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return args.Text, nil
		},
	}
}
