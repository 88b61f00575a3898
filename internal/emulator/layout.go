package emulator

import "fmt"

// LogicalBlockSize is the sector size presented to consumers.
const LogicalBlockSize = 512

type Shape int

const (
	ShapePassthrough Shape = iota
	ShapeLead
	ShapeTrail
	ShapeLeadTrail
	ShapeLeadMid
	ShapeMidTrail
	ShapeLeadMidTrail
)

func (s Shape) String() string {
	switch s {
	case ShapePassthrough:
		return "passthrough"
	case ShapeLead:
		return "lead"
	case ShapeTrail:
		return "trail"
	case ShapeLeadTrail:
		return "lead+trail"
	case ShapeLeadMid:
		return "lead+mid"
	case ShapeMidTrail:
		return "mid+trail"
	case ShapeLeadMidTrail:
		return "lead+mid+trail"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Layout is the decomposition of a logical range into physical pieces.
// Lead and trail lengths are in logical blocks, physical LBAs and MidLen in physical blocks.
type Layout struct {
	Scaling   uint64
	LBA       uint64
	NumBlocks uint64

	PhysicalLBA uint64
	PhysicalLen uint64

	LeadUnaligned bool
	LeadOffset    uint64
	LeadLen       uint64

	TrailUnaligned   bool
	TrailPhysicalLBA uint64
	TrailLen         uint64

	MidExists      bool
	MidPhysicalLBA uint64
	MidLen         uint64

	// Aligned is set when both ends of the range fall on physical block boundaries.
	Aligned bool
}

// Classify splits [lba, lba+numBlocks) for a device with scaling logical blocks per physical block.
// scaling must be greater than one and numBlocks non-zero; capacity is not checked.
func Classify(scaling, lba, numBlocks uint64) Layout {
	end := lba + numBlocks

	l := Layout{
		Scaling:     scaling,
		LBA:         lba,
		NumBlocks:   numBlocks,
		PhysicalLBA: lba / scaling,
		LeadOffset:  lba % scaling,
	}

	l.PhysicalLen = (end+scaling-1)/scaling - l.PhysicalLBA

	trailOffset := end % scaling
	l.Aligned = l.LeadOffset == 0 && trailOffset == 0

	l.LeadUnaligned = l.LeadOffset != 0
	if l.LeadUnaligned {
		if l.PhysicalLen == 1 {
			// The whole range sits inside one physical block: a single read-modify-write.
			l.LeadLen = numBlocks
		} else {
			l.LeadLen = scaling - l.LeadOffset
		}
	}

	l.TrailUnaligned = trailOffset != 0 && !(l.LeadUnaligned && l.PhysicalLen == 1)
	if l.TrailUnaligned {
		l.TrailLen = trailOffset
		l.TrailPhysicalLBA = l.PhysicalLBA + l.PhysicalLen - 1
	}

	if mid := numBlocks - l.LeadLen - l.TrailLen; mid > 0 {
		l.MidExists = true
		l.MidLen = mid / scaling
		l.MidPhysicalLBA = l.PhysicalLBA
		if l.LeadUnaligned {
			l.MidPhysicalLBA++
		}
	}

	return l
}

func (l Layout) Shape() Shape {
	switch {
	case !l.LeadUnaligned && !l.TrailUnaligned:
		return ShapePassthrough
	case l.LeadUnaligned && l.MidExists && l.TrailUnaligned:
		return ShapeLeadMidTrail
	case l.LeadUnaligned && l.MidExists:
		return ShapeLeadMid
	case l.MidExists && l.TrailUnaligned:
		return ShapeMidTrail
	case l.LeadUnaligned && l.TrailUnaligned:
		return ShapeLeadTrail
	case l.LeadUnaligned:
		return ShapeLead
	default:
		return ShapeTrail
	}
}

// NeedsGuard reports whether writing the range requires a read-modify-write.
func (l Layout) NeedsGuard() bool {
	return l.LeadUnaligned || l.TrailUnaligned
}

// LeadByteOffset is where the caller's leading bytes go inside the first physical block.
func (l Layout) LeadByteOffset() uint64 {
	return l.LeadOffset * LogicalBlockSize
}

func (l Layout) LeadBytes() uint64 {
	return l.LeadLen * LogicalBlockSize
}

// MidSourceOffset is the offset of the middle range in the caller's buffers.
func (l Layout) MidSourceOffset() uint64 {
	return l.LeadBytes()
}

func (l Layout) MidBytes() uint64 {
	return l.MidLen * l.Scaling * LogicalBlockSize
}

// TrailSourceOffset is the offset of the trailing bytes in the caller's buffers.
// They are written at the start of the last physical block.
func (l Layout) TrailSourceOffset() uint64 {
	return l.LeadBytes() + l.MidBytes()
}

func (l Layout) TrailBytes() uint64 {
	return l.TrailLen * LogicalBlockSize
}

type PieceKind string

const (
	PieceLead  PieceKind = "lead"
	PieceMid   PieceKind = "mid"
	PieceTrail PieceKind = "trail"
)

// Piece is one part of a Layout expressed in both address spaces.
type Piece struct {
	Kind        PieceKind
	LBA         uint64
	NumBlocks   uint64
	PhysicalLBA uint64
	PhysicalLen uint64
}

// Pieces returns the existing pieces in the order a write visits them.
func (l Layout) Pieces() []Piece {
	pieces := make([]Piece, 0, 3)

	lba := l.LBA

	if l.LeadUnaligned {
		pieces = append(pieces, Piece{
			Kind:        PieceLead,
			LBA:         lba,
			NumBlocks:   l.LeadLen,
			PhysicalLBA: l.PhysicalLBA,
			PhysicalLen: 1,
		})
		lba += l.LeadLen
	}

	if l.MidExists {
		pieces = append(pieces, Piece{
			Kind:        PieceMid,
			LBA:         lba,
			NumBlocks:   l.MidLen * l.Scaling,
			PhysicalLBA: l.MidPhysicalLBA,
			PhysicalLen: l.MidLen,
		})
		lba += l.MidLen * l.Scaling
	}

	if l.TrailUnaligned {
		pieces = append(pieces, Piece{
			Kind:        PieceTrail,
			LBA:         lba,
			NumBlocks:   l.TrailLen,
			PhysicalLBA: l.TrailPhysicalLBA,
			PhysicalLen: 1,
		})
	}

	return pieces
}
