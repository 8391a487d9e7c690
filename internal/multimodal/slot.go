package multimodal

import "decoplan/internal/vision"

// embeddingSlot holds at most one image embedding. The previous embedding is
// released before a new one is stored and is never read again.
type embeddingSlot struct {
	emb *vision.Embedding
}

// release frees the held embedding and empties the slot. It reports the
// released embedding's source and whether anything was held.
func (s *embeddingSlot) release() (string, bool) {
	if s.emb == nil {
		return "", false
	}
	src := s.emb.Source()
	s.emb.Release()
	s.emb = nil
	return src, true
}

// store puts emb into an empty slot.
func (s *embeddingSlot) store(emb *vision.Embedding) {
	if s.emb != nil {
		s.release()
	}
	s.emb = emb
}

func (s *embeddingSlot) current() *vision.Embedding { return s.emb }
