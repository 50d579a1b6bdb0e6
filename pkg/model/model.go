package model

import (
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/fusion"
)

// Model bundles the trained dual-channel network with the metadata needed to
// interpret its inputs and outputs.
type Model struct {
	MetaData *Metadata
	Fusion   *fusion.Model
}
