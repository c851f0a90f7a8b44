package torrent

import "math"

// ChunkIndex is a flat chunk number spanning the whole torrent, as opposed
// to (piece, offset) coordinates.
type ChunkIndex int64

// ChunkRequest names one piece/offset/length triple, as sent on the wire in
// a request or cancel message (§4.4).
type ChunkRequest struct {
	Piece  int
	Offset int64
	Length int64
}

func chunksPerPiece(plength, clength int64) int64 {
	return int64(math.Ceil(float64(plength) / float64(clength)))
}

// numChunks returns the total chunk count for a torrent of the given total
// length, given a fixed piece length and chunk length. The final, usually
// shorter, piece is accounted for separately from the regular pieces.
func numChunks(total, plength, clength int64) int64 {
	if total == 0 || plength == 0 {
		return 0
	}
	npieces := total / plength
	remainder := total - npieces*plength
	chunksper := chunksPerPiece(plength, clength)
	rchunks := int64(math.Ceil(float64(remainder) / float64(clength)))
	return chunksper*npieces + rchunks
}

func chunkOffset(cidx, plength, clength int64) int64 {
	cidx = cidx % chunksPerPiece(plength, clength)
	return cidx * clength
}

// chunkLength returns the byte length of chunk cidx. The last chunk of the
// last piece is shorter whenever plength or the torrent's total length
// isn't an exact multiple of clength.
func chunkLength(total, cidx, plength, clength int64, lastPiece bool) int64 {
	chunksper := chunksPerPiece(plength, clength)
	maxlength := min(clength, plength)
	if lastPiece {
		max := total % plength
		if max == 0 {
			max = plength
		}
		return max - (cidx%chunksper)*maxlength
	}
	if cidx%chunksper == chunksper-1 && plength%clength > 0 {
		return plength % clength
	}
	return maxlength
}

// pindex returns the piece index containing chunk cidx.
func pindex(cidx, plength, clength int64) int64 {
	return cidx / chunksPerPiece(plength, clength)
}

// pieceLayout precomputes the chunk geometry for one torrent so repeated
// lookups don't re-derive chunksPerPiece on every call.
type pieceLayout struct {
	total, plength, clength int64
	cmaximum                int64
	cpp                     int64
}

func newPieceLayout(total, plength, clength int64) pieceLayout {
	return pieceLayout{
		total:    total,
		plength:  plength,
		clength:  clength,
		cmaximum: numChunks(total, plength, clength),
		cpp:      chunksPerPiece(plength, clength),
	}
}

func (l pieceLayout) numPieces() int {
	if l.plength == 0 {
		return 0
	}
	return int((l.total + l.plength - 1) / l.plength)
}

func (l pieceLayout) chunkRange(piece int) (lo, hi ChunkIndex) {
	cid0 := int64(piece) * l.cpp
	cidn := min(cid0+l.cpp, l.cmaximum)
	return ChunkIndex(cid0), ChunkIndex(cidn)
}

func (l pieceLayout) pieceOf(c ChunkIndex) int {
	return int(pindex(int64(c), l.plength, l.clength))
}

func (l pieceLayout) requestFor(c ChunkIndex) ChunkRequest {
	last := int64(c) == l.cmaximum-1
	return ChunkRequest{
		Piece:  l.pieceOf(c),
		Offset: chunkOffset(int64(c), l.plength, l.clength),
		Length: chunkLength(l.total, int64(c), l.plength, l.clength, last),
	}
}
