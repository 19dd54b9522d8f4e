package chain

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/num"
)

// Participant is one active entry in the on-chain whitelist registry.
type Participant struct {
	Address string
	IDHash  *big.Int
	Index   int
}

// simulationSource is the throwaway source used for read-only invocations;
// simulation does not check sequence or signatures.
const simulationSource = "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF"

// GetRegistryParticipants reads active participants from the registry
// contract via a simulated view call.
func (c *Client) GetRegistryParticipants(ctx context.Context, registryContractID string) ([]Participant, error) {
	tx := Transaction{
		SourceAccount:  simulationSource,
		SequenceNumber: 0,
		Fee:            100,
		TimeoutSeconds: 30,
		Operation: Invocation{
			ContractID: registryContractID,
			Function:   "get_participants",
		},
	}
	xdr, err := tx.EncodeXDR()
	if err != nil {
		return nil, err
	}

	sim, err := c.SimulateTransaction(ctx, xdr)
	if err != nil {
		return nil, err
	}
	if sim.Error != "" {
		return nil, errs.Ef(errs.ChainRejected, "registry read failed: %s", sim.Error)
	}

	var wire []struct {
		Address string `json:"address"`
		IDHash  string `json:"idHash"`
		Index   int    `json:"index"`
	}
	if err := json.Unmarshal(sim.Results, &wire); err != nil {
		return nil, errs.Wrap(errs.ChainUnavailable, err, "decode registry participants")
	}

	out := make([]Participant, 0, len(wire))
	for _, p := range wire {
		idHash, err := num.ParseBig(p.IDHash)
		if err != nil {
			return nil, errs.Wrapf(errs.ChainUnavailable, err, "participant %s: bad idHash", p.Address)
		}
		out = append(out, Participant{Address: p.Address, IDHash: idHash, Index: p.Index})
	}
	return out, nil
}
