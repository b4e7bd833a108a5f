package chunking

type fixedChunker struct {
	opts Options
}

func (c *fixedChunker) Method() Method { return MethodFixed }

// Chunk 在每个 Block 内做固定窗口滑动切分。
func (c *fixedChunker) Chunk(documentID string, blocks []Block) []Unit {
	var units []Unit
	for _, b := range blocks {
		for _, piece := range slidingWindow(b.Text, c.opts.ChunkSize, c.opts.ChunkOverlap) {
			units = append(units, Unit{
				Content:   piece,
				PageStart: b.PageStart,
				PageEnd:   b.PageEnd,
				Heading:   b.Heading,
			})
		}
	}
	return finalize(documentID, MethodFixed, units)
}

// slidingWindow 以 chunkSize 为窗口、chunkSize-chunkOverlap 为步长切分文本，步长至少为 1。
func slidingWindow(text string, chunkSize, chunkOverlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := chunkSize - chunkOverlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
