package pagination

import "encoding/base64"

func encodeToken(payload string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeToken(token string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
