package postgres

import "encoding/json"

func encodeErrors(errs []string) ([]byte, error) {
	if len(errs) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(errs)
}

func decodeErrors(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var errs []string
	if err := json.Unmarshal(raw, &errs); err != nil {
		return nil, err
	}
	return errs, nil
}
