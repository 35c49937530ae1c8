package geth

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/header"
)

type configKey struct {
	chainID uint64
	spec    chainspec.SpecID
}

var configs sync.Map // configKey -> *params.ChainConfig

// ChainConfig returns the interpreter config running every rule of spec
// from genesis. EDR resolves hardforks per block itself, so the returned
// config never switches rules mid-chain. The result is shared and must not
// be modified.
func ChainConfig(chainID uint64, spec chainspec.SpecID) *params.ChainConfig {
	key := configKey{chainID, spec}
	if c, ok := configs.Load(key); ok {
		return c.(*params.ChainConfig)
	}
	c, _ := configs.LoadOrStore(key, newChainConfig(chainID, spec))
	return c.(*params.ChainConfig)
}

func newChainConfig(chainID uint64, spec chainspec.SpecID) *params.ChainConfig {
	zero := big.NewInt(0)
	ts := uint64(0)
	c := &params.ChainConfig{ChainID: new(big.Int).SetUint64(chainID)}

	if spec >= chainspec.Homestead {
		c.HomesteadBlock = zero
	}
	if spec >= chainspec.DaoFork {
		c.DAOForkBlock = zero
	}
	if spec >= chainspec.Tangerine {
		c.EIP150Block = zero
	}
	if spec >= chainspec.SpuriousDragon {
		c.EIP155Block = zero
		c.EIP158Block = zero
	}
	if spec >= chainspec.Byzantium {
		c.ByzantiumBlock = zero
	}
	if spec >= chainspec.Constantinople {
		c.ConstantinopleBlock = zero
	}
	if spec >= chainspec.Petersburg {
		c.PetersburgBlock = zero
	}
	if spec >= chainspec.Istanbul {
		c.IstanbulBlock = zero
	}
	if spec >= chainspec.MuirGlacier {
		c.MuirGlacierBlock = zero
	}
	if spec >= chainspec.Berlin {
		c.BerlinBlock = zero
	}
	if spec >= chainspec.London {
		c.LondonBlock = zero
	}
	if spec >= chainspec.ArrowGlacier {
		c.ArrowGlacierBlock = zero
	}
	if spec >= chainspec.GrayGlacier {
		c.GrayGlacierBlock = zero
	}
	if spec >= chainspec.Merge {
		c.TerminalTotalDifficulty = zero
		c.MergeNetsplitBlock = zero
	}
	if spec >= chainspec.Shanghai {
		c.ShanghaiTime = &ts
	}
	if spec >= chainspec.Cancun {
		c.CancunTime = &ts
		c.BlobScheduleConfig = &params.BlobScheduleConfig{
			Cancun: blobConfig(header.CancunBlobParams),
			Prague: blobConfig(header.PragueBlobParams),
			Osaka:  blobConfig(header.PragueBlobParams),
		}
	}
	if spec >= chainspec.Prague {
		c.PragueTime = &ts
	}
	if spec >= chainspec.Osaka {
		c.OsakaTime = &ts
	}
	return c
}

func blobConfig(p header.BlobParams) *params.BlobConfig {
	return &params.BlobConfig{Target: int(p.Target), Max: int(p.Max), UpdateFraction: p.UpdateFraction}
}

// Rules returns the interpreter rules of a block of spec.
func Rules(chainID uint64, spec chainspec.SpecID, number, timestamp uint64) params.Rules {
	return ChainConfig(chainID, spec).Rules(new(big.Int).SetUint64(number), spec >= chainspec.Merge, timestamp)
}
