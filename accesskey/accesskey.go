// Package accesskey builds and checks the 44-digit fiscal document access key.
//
// Layout (digits): jurisdiction 2, year-month 4, issuer tax id 14, model 2,
// series 3, number 9, emission mode 1, disambiguator 8, check digit 1.
package accesskey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	Length     = 44
	BaseLength = Length - 1

	EmissionModeNormal = 1
)

var (
	ErrInvalidLength   = errors.New("access key must have 44 digits")
	ErrNotNumeric      = errors.New("access key must be numeric")
	ErrInvalidChecksum = errors.New("access key check digit mismatch")
)

type Fields struct {
	Jurisdiction  string
	IssuedAt      time.Time
	TaxId         string
	Model         string
	Series        int
	Number        int64
	EmissionMode  int
	Disambiguator int
}

// Build assembles the 43-digit base from f and appends its check digit.
func Build(f Fields) (string, error) {
	if err := checkDigits("jurisdiction", f.Jurisdiction, 2); err != nil {
		return "", err
	}
	taxId := strings.Repeat("0", max(0, 14-len(f.TaxId))) + f.TaxId
	if err := checkDigits("tax id", taxId, 14); err != nil {
		return "", err
	}
	if err := checkDigits("model", f.Model, 2); err != nil {
		return "", err
	}
	if f.Series < 0 || f.Series > 999 {
		return "", fmt.Errorf("series %d out of range", f.Series)
	}
	if f.Number < 1 || f.Number > 999999999 {
		return "", fmt.Errorf("number %d out of range", f.Number)
	}
	if f.EmissionMode < 1 || f.EmissionMode > 9 {
		return "", fmt.Errorf("emission mode %d out of range", f.EmissionMode)
	}
	if f.Disambiguator < 0 || f.Disambiguator > 99999999 {
		return "", fmt.Errorf("disambiguator %d out of range", f.Disambiguator)
	}

	var b strings.Builder
	b.Grow(Length)
	b.WriteString(f.Jurisdiction)
	b.WriteString(f.IssuedAt.Format("0601"))
	b.WriteString(taxId)
	b.WriteString(f.Model)
	fmt.Fprintf(&b, "%03d%09d%d%08d", f.Series, f.Number, f.EmissionMode, f.Disambiguator)

	base := b.String()
	dv, err := CheckDigit(base)
	if err != nil {
		return "", err
	}
	return base + strconv.Itoa(dv), nil
}

// CheckDigit computes the mod-11 digit over a 43-digit base. Weights 2..9 are
// applied cyclically from the rightmost digit; remainders 0 and 1 yield 0.
func CheckDigit(base string) (int, error) {
	if len(base) != BaseLength {
		return 0, fmt.Errorf("base must have %d digits, got %d", BaseLength, len(base))
	}
	sum := 0
	weight := 2
	for i := len(base) - 1; i >= 0; i-- {
		c := base[i]
		if c < '0' || c > '9' {
			return 0, ErrNotNumeric
		}
		sum += int(c-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	rem := sum % 11
	if rem < 2 {
		return 0, nil
	}
	return 11 - rem, nil
}

// Validate checks length, digits and check digit.
func Validate(key string) error {
	if len(key) != Length {
		return ErrInvalidLength
	}
	dv, err := CheckDigit(key[:BaseLength])
	if err != nil {
		return err
	}
	last := key[BaseLength]
	if last < '0' || last > '9' {
		return ErrNotNumeric
	}
	if int(last-'0') != dv {
		return ErrInvalidChecksum
	}
	return nil
}

// Parse validates key and splits it back into its fields. IssuedAt is the first day of the encoded month in UTC.
func Parse(key string) (Fields, error) {
	if err := Validate(key); err != nil {
		return Fields{}, err
	}
	issuedAt, err := time.Parse("0601", key[2:6])
	if err != nil {
		return Fields{}, fmt.Errorf("access key year-month: %w", err)
	}
	series, _ := strconv.Atoi(key[22:25])
	number, _ := strconv.ParseInt(key[25:34], 10, 64)
	mode, _ := strconv.Atoi(key[34:35])
	disambiguator, _ := strconv.Atoi(key[35:43])
	return Fields{
		Jurisdiction:  key[0:2],
		IssuedAt:      issuedAt,
		TaxId:         key[6:20],
		Model:         key[20:22],
		Series:        series,
		Number:        number,
		EmissionMode:  mode,
		Disambiguator: disambiguator,
	}, nil
}

// RandomDisambiguator draws a uniform value in [0, 99999999] from crypto/rand.
func RandomDisambiguator() int {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return int(time.Now().UnixNano() % 100000000)
	}
	return int(n.Int64())
}

func checkDigits(name, s string, width int) error {
	if len(s) != width {
		return fmt.Errorf("%s must have %d digits", name, width)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fmt.Errorf("%s must be numeric", name)
		}
	}
	return nil
}
