package wasm

// Canonicalize parses src and re-encodes it with every custom section other
// than the name section removed. The result is what the artifact cache stores:
// two sources that differ only in producer or debug sections compile from the
// same bytes.
func Canonicalize(src []byte) ([]byte, *Module, error) {
	m, err := ParseModule(src)
	if err != nil {
		return nil, nil, err
	}
	kept := m.Custom[:0:0]
	for _, c := range m.Custom {
		if c.Name == NameSection {
			kept = append(kept, c)
		}
	}
	m.Custom = kept
	return m.Encode(), m, nil
}
