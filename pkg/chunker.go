package protocol

// Split cuts src into chunkSize pieces, the last one possibly shorter. An
// empty source yields no chunks at all; the terminal packet alone then ends
// the transfer. Chunks alias src.
func Split(src []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		panic("protocol: non-positive chunk size")
	}
	chunks := make([][]byte, 0, (len(src)+chunkSize-1)/chunkSize)
	for len(src) > 0 {
		n := min(chunkSize, len(src))
		chunks = append(chunks, src[:n:n])
		src = src[n:]
	}
	return chunks
}

// Reassemble concatenates chunks in sequence order.
func Reassemble(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
