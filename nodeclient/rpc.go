package nodeclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"trongateway-core/core"
)

// RawBlock is the upstream node's block shape, defensively parsed per
// spec.md §6 ("the core assumes standard Tron-family JSON shapes with
// hex/decimal integers; parsing is defensive").
type RawBlock struct {
	Height       uint64
	Hash         core.Hash
	ParentHash   core.Hash
	TimestampMS  int64
	Transactions []RawTransaction
}

// RawTransaction is one native-transfer-shaped transaction inside a block,
// before receipt-sourced token transfers are merged in.
type RawTransaction struct {
	Hash        core.Hash
	IndexInTx   int
	From        core.Address
	To          core.Address
	Value       string // decimal or 0x-hex, per the numeric contract
	Success     bool
	GasUsed     string
	GasPrice    string
}

// RawTokenTransfer is one token-transfer log surfaced by a transaction's
// receipt.
type RawTokenTransfer struct {
	LogIndex      int
	From          core.Address
	To            core.Address
	Value         string
	TokenContract core.Address
}

// RawReceipt is the upstream node's per-transaction receipt, the source of
// token-transfer events per spec.md §4.1.
type RawReceipt struct {
	TxHash         core.Hash
	TokenTransfers []RawTokenTransfer
}

// rpcBlock/rpcReceipt mirror the JSON-RPC wire shape before conversion to
// the Raw* types above; kept unexported since only Pool's RPC methods see
// them.
type rpcBlock struct {
	BlockHeader struct {
		RawData struct {
			Number    uint64 `json:"number"`
			Timestamp int64  `json:"timestamp"`
			ParentHash string `json:"parentHash"`
		} `json:"raw_data"`
	} `json:"block_header"`
	BlockID      string          `json:"blockID"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	TxID    string `json:"txID"`
	Success bool   `json:"success"`
	RawData struct {
		Contract []struct {
			Parameter struct {
				Value struct {
					OwnerAddress string `json:"owner_address"`
					ToAddress    string `json:"to_address"`
					Amount       any    `json:"amount"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

type rpcReceipt struct {
	ID    string `json:"id"`
	Log   []rpcLog `json:"log"`
}

type rpcLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// LatestHeight returns the upstream chain's current head height.
func (p *Pool) LatestHeight(ctx context.Context) (uint64, error) {
	var out struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := p.call(ctx, "get_latest_block_number", nil, &out); err != nil {
		return 0, err
	}
	return out.BlockHeader.RawData.Number, nil
}

// BlockByHeight fetches and normalizes the block at height h.
func (p *Pool) BlockByHeight(ctx context.Context, h uint64) (*RawBlock, error) {
	var raw rpcBlock
	if err := p.call(ctx, "get_block_by_number", map[string]any{"num": h}, &raw); err != nil {
		return nil, err
	}
	blockHash, err := core.ParseHash(raw.BlockID)
	if err != nil {
		return nil, core.NewError(core.ErrParseMalformed, fmt.Errorf("block %d hash: %w", h, err))
	}
	parentHash, err := core.ParseHash(raw.BlockHeader.RawData.ParentHash)
	if err != nil {
		return nil, core.NewError(core.ErrParseMalformed, fmt.Errorf("block %d parent hash: %w", h, err))
	}
	out := &RawBlock{
		Height:      raw.BlockHeader.RawData.Number,
		Hash:        blockHash,
		ParentHash:  parentHash,
		TimestampMS: raw.BlockHeader.RawData.Timestamp,
	}
	for i, t := range raw.Transactions {
		rt, err := convertTx(t, i)
		if err != nil {
			// Parse/normalization error on a specific transaction:
			// logged here as a warning and skipped, per spec.md §4.2
			// step 5/failure semantics; the rest of the block is still
			// returned to the Scanner.
			p.log.WithError(err).WithField("height", h).WithField("index", i).Warn("dropping malformed transaction")
			continue
		}
		out.Transactions = append(out.Transactions, rt)
	}
	return out, nil
}

func convertTx(t rpcTransaction, idx int) (RawTransaction, error) {
	hash, err := core.ParseHash(t.TxID)
	if err != nil {
		return RawTransaction{}, err
	}
	if len(t.RawData.Contract) == 0 {
		return RawTransaction{}, fmt.Errorf("nodeclient: transaction %s has no contract payload", t.TxID)
	}
	v := t.RawData.Contract[0].Parameter.Value
	from, err := core.ParseAddressHex(v.OwnerAddress)
	if err != nil {
		return RawTransaction{}, err
	}
	to, err := core.ParseAddressHex(v.ToAddress)
	if err != nil {
		return RawTransaction{}, err
	}
	amount := fmt.Sprintf("%v", v.Amount)
	return RawTransaction{
		Hash:      hash,
		IndexInTx: idx,
		From:      from,
		To:        to,
		Value:     amount,
		Success:   t.Success,
	}, nil
}

// TransactionReceipt fetches and normalizes the receipt for a transaction
// hash, surfacing its token-transfer logs.
func (p *Pool) TransactionReceipt(ctx context.Context, hash core.Hash) (*RawReceipt, error) {
	var raw rpcReceipt
	if err := p.call(ctx, "get_transaction_receipt", map[string]any{"value": hash.String()}, &raw); err != nil {
		return nil, err
	}
	out := &RawReceipt{TxHash: hash}
	for i, l := range raw.Log {
		if len(l.Topics) < 3 {
			continue // not an ERC20/TRC20-shaped Transfer log
		}
		contract, err := core.ParseAddressHex(l.Address)
		if err != nil {
			continue
		}
		from, err := topicToAddress(l.Topics[1])
		if err != nil {
			continue
		}
		to, err := topicToAddress(l.Topics[2])
		if err != nil {
			continue
		}
		out.TokenTransfers = append(out.TokenTransfers, RawTokenTransfer{
			LogIndex:      i,
			From:          from,
			To:            to,
			Value:         l.Data,
			TokenContract: contract,
		})
	}
	return out, nil
}

func topicToAddress(topic string) (core.Address, error) {
	s := topic
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return core.ParseAddressHex(s)
}

// TokenDecimals returns the decimals and symbol for a token contract,
// preferring the configured registry and falling back to inferred
// read-only calls (cached for subsequent lookups), per spec.md §4.1
// ("inferred by calling a standard read-only contract entrypoint").
func (p *Pool) TokenDecimals(ctx context.Context, registry *core.TokenDecimalsRegistry, contract core.Address) (symbol string, decimals int, err error) {
	if symbol, decimals, ok := registry.Lookup(contract); ok {
		return symbol, decimals, nil
	}
	if v, ok := p.decimalsCache.Load(contract); ok {
		dm := v.(decimalsMemo)
		return dm.symbol, dm.decimals, nil
	}

	decimals, err = p.callDecimals(ctx, contract)
	if err != nil {
		return "", 0, err
	}
	symbol, err = p.callSymbol(ctx, contract)
	if err != nil {
		return "", 0, err
	}
	if symbol == "" {
		symbol = "UNKNOWN"
	}

	p.decimalsCache.Store(contract, decimalsMemo{symbol: symbol, decimals: decimals})
	registry.Learn(contract, symbol, decimals)
	return symbol, decimals, nil
}

// callDecimals triggers the read-only decimals() entrypoint and decodes its
// ABI result: a single word holding a left-padded uint8.
func (p *Pool) callDecimals(ctx context.Context, contract core.Address) (int, error) {
	var out struct {
		ConstantResult []string `json:"constant_result"`
	}
	if err := p.call(ctx, "trigger_constant_contract", map[string]any{
		"contract_address":  contract.Hex(),
		"function_selector": "decimals()",
	}, &out); err != nil {
		return 0, err
	}
	if len(out.ConstantResult) == 0 {
		return 0, core.NewError(core.ErrParseMalformed, fmt.Errorf("nodeclient: empty decimals() result for %s", contract.Hex()))
	}
	n, err := decodeUint8Word(out.ConstantResult[0])
	if err != nil {
		return 0, core.NewError(core.ErrParseMalformed, fmt.Errorf("nodeclient: decode decimals() for %s: %w", contract.Hex(), err))
	}
	return n, nil
}

// callSymbol triggers the read-only symbol() entrypoint and decodes its ABI
// result, which may be a dynamic string (offset+length+data) or, for older
// TRC20/ERC20 contracts, a fixed bytes32 right-padded with zeros.
func (p *Pool) callSymbol(ctx context.Context, contract core.Address) (string, error) {
	var out struct {
		ConstantResult []string `json:"constant_result"`
	}
	if err := p.call(ctx, "trigger_constant_contract", map[string]any{
		"contract_address":  contract.Hex(),
		"function_selector": "symbol()",
	}, &out); err != nil {
		return "", err
	}
	if len(out.ConstantResult) == 0 {
		return "", nil
	}
	return decodeSymbolWord(out.ConstantResult[0]), nil
}

// decodeUint8Word decodes a 32-byte ABI word holding a left-padded uint8,
// the shape decimals() returns.
func decodeUint8Word(hexWord string) (int, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(hexWord, "0x"))
	if err != nil || len(b) == 0 {
		return 0, fmt.Errorf("nodeclient: malformed constant-call result %q", hexWord)
	}
	return int(new(big.Int).SetBytes(b).Uint64()), nil
}

// decodeSymbolWord decodes the ABI result of a string-returning contract
// call: a dynamic string (offset word, length word, then length bytes of
// data) if the full 64-byte header is present and self-consistent,
// otherwise a fixed bytes32 right-padded with zero bytes.
func decodeSymbolWord(hexWord string) string {
	b, err := hex.DecodeString(strings.TrimPrefix(hexWord, "0x"))
	if err != nil || len(b) == 0 {
		return ""
	}
	if len(b) >= 64 {
		length := new(big.Int).SetBytes(b[32:64]).Uint64()
		if length > 0 && uint64(len(b)) >= 64+length {
			return string(b[64 : 64+length])
		}
	}
	return strings.TrimRight(strings.TrimSpace(string(bytes.TrimRight(b, "\x00"))), "\x00")
}

type decimalsMemo struct {
	symbol   string
	decimals int
}
