package vdev

import "github.com/objstorevdev/core/internal/constants"

// Re-export constants for public API
const (
	DefaultLogicalAshift  = constants.DefaultLogicalAshift
	DefaultPhysicalAshift = constants.DefaultPhysicalAshift
	DefaultSocketPath     = constants.DefaultSocketPath
	MaxOutstanding        = constants.MaxOutstanding
	UberblockSize         = constants.UberblockSize
	MaxPsize              = constants.MaxPsize
	BlockShift            = constants.BlockShift
)
