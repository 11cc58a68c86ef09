package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// deployment is the subset of a contract deployment manifest the relay needs.
// Deployment scripts also write the ABI into the same file; it is ignored.
type deployment struct {
	Address string `json:"address"`
}

// ParseContractAddress validates a hex contract address.
func ParseContractAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid contract address %q", s)
	}
	return common.HexToAddress(s), nil
}

// LoadContractAddress reads the contract address from a deployment manifest
// of the form {"address": "0x..."}.
func LoadContractAddress(path string) (common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read deployment file %s: %w", path, err)
	}
	var d deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse deployment file %s: %w", path, err)
	}
	if d.Address == "" {
		return common.Address{}, fmt.Errorf("deployment file %s has no address", path)
	}
	return ParseContractAddress(d.Address)
}

// ResolveContractAddress prefers an explicit address and falls back to the deployment file.
func ResolveContractAddress(address, file string) (common.Address, error) {
	if address != "" {
		return ParseContractAddress(address)
	}
	if file != "" {
		return LoadContractAddress(file)
	}
	return common.Address{}, errors.New("no contract address or deployment file configured")
}
