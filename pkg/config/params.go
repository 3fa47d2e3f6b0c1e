package config

import (
	"fmt"
	"strconv"
)

type Params map[string]string

func (p Params) GetString(name string) (string, error) {
	val, ok := p[name]
	if !ok {
		return "", fmt.Errorf("missing parameter: %s", name)
	}
	return val, nil
}

func (p Params) GetInt(name string, def int) (int, error) {
	valStr, ok := p[name]
	if !ok {
		return def, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return val, nil
}
