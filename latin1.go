package tunnel

// latin1Encode renders data as a string using the Latin-1 (ISO-8859-1)
// convention: each byte maps to the code point of the same ordinal value,
// so the result round-trips through JSON without loss regardless of
// whether the bytes are valid UTF-8 text or arbitrary binary data.
func latin1Encode(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// latin1Decode reverses latin1Encode. It rejects any code point above
// 0xFF, since such a value could not have come from a byte.
func latin1Decode(s string) ([]byte, error) {
	runes := []rune(s)
	out := make([]byte, len(runes))
	for i, r := range runes {
		if r > 0xFF {
			return nil, &ProtocolError{Msg: "latin1 decode: code point out of byte range"}
		}
		out[i] = byte(r)
	}
	return out, nil
}
