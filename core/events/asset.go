package events

import "batchmint/core/types"

const (
	TypeAssetCreated     = "asset.created"
	TypeAssetMinted      = "asset.minted"
	TypeAssetTransferred = "asset.transferred"
)

type AssetCreated struct {
	AssetID     uint64
	Creator     types.Address
	TotalSupply uint64
	UnitName    string
}

func (AssetCreated) EventType() string { return TypeAssetCreated }

func (e AssetCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetCreated,
		Attributes: map[string]string{
			"assetId":     uintToString(e.AssetID),
			"creator":     e.Creator.String(),
			"totalSupply": uintToString(e.TotalSupply),
			"unitName":    e.UnitName,
		},
	}
}

type AssetMinted struct {
	AssetID       uint64
	Recipient     types.Address
	Amount        uint64
	CurrentSupply uint64
}

func (AssetMinted) EventType() string { return TypeAssetMinted }

func (e AssetMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetMinted,
		Attributes: map[string]string{
			"assetId":       uintToString(e.AssetID),
			"recipient":     e.Recipient.String(),
			"amount":        uintToString(e.Amount),
			"currentSupply": uintToString(e.CurrentSupply),
		},
	}
}

type AssetTransferred struct {
	AssetID uint64
	From    types.Address
	To      types.Address
	Amount  uint64
}

func (AssetTransferred) EventType() string { return TypeAssetTransferred }

func (e AssetTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetTransferred,
		Attributes: map[string]string{
			"assetId": uintToString(e.AssetID),
			"from":    e.From.String(),
			"to":      e.To.String(),
			"amount":  uintToString(e.Amount),
		},
	}
}
