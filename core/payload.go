package core

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Payload is the typed data of one proposal variant. Each variant owns the
// equality rule used to pair it with a locally staged draft.
type Payload interface {
	Type() ProposalType

	// Matches compares the payload against the proposal data of a draft.
	Matches(draft map[string]interface{}) bool

	// Data is the representation stored on the proposal record.
	Data() map[string]interface{}
}

// payloadAccessors maps proposal types to their typed data accessor on the dip contract.
var payloadAccessors = map[ProposalType]string{
	Transfer:        "getTransferData",
	Upgrade:         "getUpgradeData",
	ModuleUpgrade:   "getModuleUpgradeData",
	Presale:         "getPresaleData",
	PresalePause:    "getPresalePauseData",
	PresaleWithdraw: "getPresaleWithdrawData",
}

type TransferPayload struct {
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
}

func (p *TransferPayload) Type() ProposalType { return Transfer }

func (p *TransferPayload) Matches(draft map[string]interface{}) bool {
	token, ok := draftString(draft, "token")
	if !ok || token != p.Token.Hex() {
		return false
	}
	recipient, ok := draftString(draft, "recipient")
	if !ok || !strings.EqualFold(recipient, p.Recipient.Hex()) {
		return false
	}
	amount, ok := draftBig(draft, "amount")
	return ok && amount.Cmp(p.Amount) == 0
}

func (p *TransferPayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"token":     p.Token.Hex(),
		"recipient": p.Recipient.Hex(),
		"amount":    p.Amount.String(),
	}
}

type UpgradePayload struct {
	Implementations []common.Address
	Version         string
}

func (p *UpgradePayload) Type() ProposalType { return Upgrade }

func (p *UpgradePayload) Matches(draft map[string]interface{}) bool {
	version, ok := draftString(draft, "newVersion")
	return ok && version == p.Version
}

func (p *UpgradePayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"implementations": lo.Map(p.Implementations, func(a common.Address, _ int) string {
			return a.Hex()
		}),
		"version": p.Version,
	}
}

type ModuleUpgradePayload struct {
	ModuleType    uint8
	ModuleAddress common.Address
	Version       string
}

func (p *ModuleUpgradePayload) Type() ProposalType { return ModuleUpgrade }

func (p *ModuleUpgradePayload) Matches(draft map[string]interface{}) bool {
	addr, ok := draftString(draft, "module_address")
	if !ok || !strings.EqualFold(addr, p.ModuleAddress.Hex()) {
		return false
	}
	version, ok := draftString(draft, "version")
	return ok && version == p.Version
}

func (p *ModuleUpgradePayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"module_type":    p.ModuleType,
		"module_address": p.ModuleAddress.Hex(),
		"version":        p.Version,
	}
}

type PresalePayload struct {
	Token        common.Address
	Amount       *big.Int
	InitialPrice *big.Int
}

func (p *PresalePayload) Type() ProposalType { return Presale }

func (p *PresalePayload) Matches(draft map[string]interface{}) bool {
	amount, ok := draftBig(draft, "tokenAmount")
	if !ok || amount.Cmp(p.Amount) != 0 {
		return false
	}
	price, ok := draftBig(draft, "initialPrice")
	return ok && price.Cmp(p.InitialPrice) == 0
}

func (p *PresalePayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"token":         p.Token.Hex(),
		"amount":        p.Amount.String(),
		"initial_price": p.InitialPrice.String(),
	}
}

// draftPresaleContract reads the presale address, drafts carry it under either spelling.
func draftPresaleContract(draft map[string]interface{}) (string, bool) {
	if v, ok := draftString(draft, "presale_contract"); ok {
		return v, true
	}
	return draftString(draft, "presaleContract")
}

type PresalePausePayload struct {
	PresaleContract common.Address
	Pause           bool
}

func (p *PresalePausePayload) Type() ProposalType { return PresalePause }

func (p *PresalePausePayload) Matches(draft map[string]interface{}) bool {
	addr, ok := draftPresaleContract(draft)
	if !ok || !strings.EqualFold(addr, p.PresaleContract.Hex()) {
		return false
	}
	pause, ok := draftBool(draft, "pause")
	return ok && pause == p.Pause
}

func (p *PresalePausePayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"presale_contract": p.PresaleContract.Hex(),
		"pause":            p.Pause,
	}
}

type PresaleWithdrawPayload struct {
	PresaleContract common.Address
}

func (p *PresaleWithdrawPayload) Type() ProposalType { return PresaleWithdraw }

func (p *PresaleWithdrawPayload) Matches(draft map[string]interface{}) bool {
	addr, ok := draftPresaleContract(draft)
	return ok && strings.EqualFold(addr, p.PresaleContract.Hex())
}

func (p *PresaleWithdrawPayload) Data() map[string]interface{} {
	return map[string]interface{}{
		"presale_contract": p.PresaleContract.Hex(),
	}
}

// EmptyPayload carries Pause and Unpause, which have nothing to compare.
type EmptyPayload struct {
	Kind ProposalType
}

func (p *EmptyPayload) Type() ProposalType { return p.Kind }

func (p *EmptyPayload) Matches(map[string]interface{}) bool { return true }

func (p *EmptyPayload) Data() map[string]interface{} {
	return map[string]interface{}{}
}

// DecodePayload builds the typed payload from the outputs of the type's accessor.
func DecodePayload(t ProposalType, out []interface{}) (Payload, error) {
	var err error
	switch t {
	case Transfer:
		p := &TransferPayload{}
		if p.Token, err = outAddress(out, 0); err != nil {
			return nil, err
		}
		if p.Recipient, err = outAddress(out, 1); err != nil {
			return nil, err
		}
		if p.Amount, err = outBig(out, 2); err != nil {
			return nil, err
		}
		return p, nil
	case Upgrade:
		p := &UpgradePayload{}
		if p.Implementations, err = outAddresses(out, 0); err != nil {
			return nil, err
		}
		if p.Version, err = outString(out, 1); err != nil {
			return nil, err
		}
		return p, nil
	case ModuleUpgrade:
		p := &ModuleUpgradePayload{}
		if p.ModuleType, err = outUint8(out, 0); err != nil {
			return nil, err
		}
		if p.ModuleAddress, err = outAddress(out, 1); err != nil {
			return nil, err
		}
		if p.Version, err = outString(out, 2); err != nil {
			return nil, err
		}
		return p, nil
	case Presale:
		p := &PresalePayload{}
		if p.Token, err = outAddress(out, 0); err != nil {
			return nil, err
		}
		if p.Amount, err = outBig(out, 1); err != nil {
			return nil, err
		}
		if p.InitialPrice, err = outBig(out, 2); err != nil {
			return nil, err
		}
		return p, nil
	case PresalePause:
		p := &PresalePausePayload{}
		if p.PresaleContract, err = outAddress(out, 0); err != nil {
			return nil, err
		}
		if p.Pause, err = outBool(out, 1); err != nil {
			return nil, err
		}
		return p, nil
	case PresaleWithdraw:
		p := &PresaleWithdrawPayload{}
		if p.PresaleContract, err = outAddress(out, 0); err != nil {
			return nil, err
		}
		return p, nil
	case Pause, Unpause:
		return &EmptyPayload{Kind: t}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidProposalType, "type %d", uint8(t))
	}
}

// MatchesDraft reports whether a chain proposal can claim the draft. The draft must be staged with the same type.
func MatchesDraft(p *ChainProposal, draftType uint8, draft map[string]interface{}) bool {
	if ProposalType(draftType) != p.Type {
		return false
	}
	if draft == nil {
		draft = map[string]interface{}{}
	}
	return p.Payload.Matches(draft)
}
