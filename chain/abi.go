package chain

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/pkg/errors"
)

// Named entries of the ABI table.
const (
	DaoABI     = "dao_abi"
	DipABI     = "dip_abi"
	StakingABI = "staking_abi"
	PresaleABI = "presale_abi"
)

//go:embed abis.json
var abiTable []byte

var (
	abiOnce   sync.Once
	abiErr    error
	abiParsed map[string]*abi.ABI
)

func loadTable() {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(abiTable, &raw); err != nil {
		abiErr = errors.Wrap(err, "failed to parse abi table")
		return
	}

	abiParsed = make(map[string]*abi.ABI, len(raw))
	for name, entry := range raw {
		parsed, err := abi.JSON(bytes.NewReader(entry))
		if err != nil {
			abiErr = errors.Wrapf(err, "failed to parse abi %s", name)
			return
		}
		abiParsed[name] = &parsed
	}
}

// LoadABI returns the parsed interface stored under name.
func LoadABI(name string) (*abi.ABI, error) {
	abiOnce.Do(loadTable)
	if abiErr != nil {
		return nil, abiErr
	}

	parsed, ok := abiParsed[name]
	if !ok {
		return nil, errors.Errorf("abi %s not found", name)
	}
	return parsed, nil
}

// MustEvent returns an event of a table entry, the table is embedded so a miss is a programming error.
func MustEvent(abiName, event string) abi.Event {
	parsed, err := LoadABI(abiName)
	if err != nil {
		panic(err)
	}
	ev, ok := parsed.Events[event]
	if !ok {
		panic("event " + event + " not found in " + abiName)
	}
	return ev
}
