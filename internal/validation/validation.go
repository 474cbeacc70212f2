// Package validation содержит функции разбора и проверки входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/finledger/internal/model"
)

var (
	// ErrInvalidAddress возвращается для строки, не являющейся ненулевым адресом.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidAmount возвращается для строки, не являющейся десятичным числом в пределах uint256.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ParseIdentity разбирает адрес вида 0x + 40 шестнадцатеричных символов.
func ParseIdentity(s string) (model.Identity, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return model.ZeroIdentity, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	id := common.HexToAddress(s)
	if id == model.ZeroIdentity {
		return model.ZeroIdentity, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return id, nil
}

// ParseAmount разбирает неотрицательное десятичное число без знака и ведущего 0x.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	for _, ch := range s {
		if !unicode.IsDigit(ch) || ch > unicode.MaxASCII {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}
