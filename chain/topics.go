package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AddressTopic encodes an address as an indexed event topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// IntTopic encodes a uint256 as an indexed event topic.
func IntTopic(v *big.Int) common.Hash {
	return common.BigToHash(v)
}

// TopicAddress decodes an address stored in an indexed topic.
func TopicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes()[12:])
}
