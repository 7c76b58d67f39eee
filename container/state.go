// Package container implements the state operation.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// State returns the OCI-compliant state and prints it to stdout. A record
// whose init process has since exited is promoted to stopped (and the
// promotion persisted) before it is reported.
func State(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}
	defer c.Close()

	c.RefreshStatus()
	c.SaveState()

	state := c.GetState()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(state)
}

// StateJSON returns the container state as a JSON string.
func StateJSON(ctx context.Context, id, stateRoot string) (string, error) {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return "", fmt.Errorf("load container: %w", err)
	}
	defer c.Close()

	c.RefreshStatus()
	c.SaveState()
	data, err := c.StateJSON()
	if err != nil {
		return "", err
	}

	return string(data), nil
}
