package torrent

import pp "github.com/mellum/btengine/peer_protocol"

// Small constructors so scheduler.go reads as intent ("send a HAVE") rather than struct literals.

func haveMessage(piece int) pp.Message {
	return pp.Message{Type: pp.Have, Index: uint32(piece)}
}

func requestMessage(c ChunkInfo) pp.Message {
	return pp.Message{
		Type:   pp.Request,
		Index:  uint32(c.PieceIndex),
		Begin:  uint32(c.OffsetInPiece),
		Length: uint32(c.Size),
	}
}

func cancelMessage(c ChunkInfo) pp.Message {
	return pp.Message{
		Type:   pp.Cancel,
		Index:  uint32(c.PieceIndex),
		Begin:  uint32(c.OffsetInPiece),
		Length: uint32(c.Size),
	}
}

func interestedMessage() pp.Message    { return pp.Message{Type: pp.Interested} }
func notInterestedMessage() pp.Message { return pp.Message{Type: pp.NotInterested} }
func chokeMessage() pp.Message         { return pp.Message{Type: pp.Choke} }
func unchokeMessage() pp.Message       { return pp.Message{Type: pp.Unchoke} }
