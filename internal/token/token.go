// Package token implements the compact identity token printed on member
// passes and scanned at check-in.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a token does not match the expected grammar.
var ErrMalformed = errors.New("malformed identity token")

var tokenPattern = regexp.MustCompile(`^GROUP:\d+:MEMBER:\d+$`)

// Encode renders the canonical token text for a member.
func Encode(groupID, memberID int64) string {
	return fmt.Sprintf("GROUP:%d:MEMBER:%d", groupID, memberID)
}

// Decode parses a token back into its group and member ids. The text must
// match GROUP:<digits>:MEMBER:<digits> exactly, no surrounding whitespace.
func Decode(tok string) (groupID, memberID int64, err error) {
	if !tokenPattern.MatchString(tok) {
		return 0, 0, ErrMalformed
	}
	parts := strings.Split(tok, ":")
	groupID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	memberID, err = strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	return groupID, memberID, nil
}
