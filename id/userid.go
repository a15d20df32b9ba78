// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"errors"
	"fmt"
	"strings"
)

// UserID represents a Matrix user ID.
// https://matrix.org/docs/spec/appendices#user-identifiers
type UserID string

const UserIDMaxLength = 255

func NewUserID(localpart, homeserver string) UserID {
	return UserID(fmt.Sprintf("@%s:%s", localpart, homeserver))
}

func NewEncodedUserID(localpart, homeserver string) UserID {
	return NewUserID(EncodeUserLocalpart(localpart), homeserver)
}

var (
	ErrInvalidUserID         = errors.New("is not a valid user ID")
	ErrUserIDTooLong         = errors.New("the given user ID is longer than 255 characters")
	ErrEmptyLocalpart        = errors.New("the localpart is empty")
	ErrNoncompliantLocalpart = errors.New("the localpart contains characters that are not allowed")
)

// Parse parses the user ID into the localpart and server name.
//
// Note that this only enforces very basic user ID formatting requirements: user IDs start
// with a @, and contain a : after the @. If you want to be stricter, see ParseAndValidate.
func (userID UserID) Parse() (localpart, homeserver string, err error) {
	if len(userID) == 0 || userID[0] != '@' || !strings.ContainsRune(string(userID), ':') {
		err = fmt.Errorf("%q %w", userID, ErrInvalidUserID)
		return
	}
	localpart, homeserver, _ = strings.Cut(string(userID[1:]), ":")
	return
}

func isValidUserIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '=' || char == '_' || char == '/' || char == '+'
}

// ValidateUserLocalpart validates a Matrix user ID localpart using the grammar
// in https://matrix.org/docs/spec/appendices#user-identifiers
func ValidateUserLocalpart(localpart string) error {
	if len(localpart) == 0 {
		return ErrEmptyLocalpart
	}
	for _, char := range localpart {
		if !isValidUserIDChar(char) {
			return fmt.Errorf("%w: %q is not allowed", ErrNoncompliantLocalpart, char)
		}
	}
	return nil
}

// ParseAndValidate parses the user ID into the localpart and server name like Parse,
// and also validates that the localpart is allowed according to the user identifiers spec.
func (userID UserID) ParseAndValidate() (localpart, homeserver string, err error) {
	localpart, homeserver, err = userID.Parse()
	if err == nil {
		err = ValidateUserLocalpart(localpart)
	}
	if err == nil && len(userID) > UserIDMaxLength {
		err = ErrUserIDTooLong
	}
	return
}

func (userID UserID) ParseAndDecode() (localpart, homeserver string, err error) {
	localpart, homeserver, err = userID.ParseAndValidate()
	if err == nil {
		localpart, err = DecodeUserLocalpart(localpart)
	}
	return
}

func (userID UserID) String() string {
	return string(userID)
}

const lowerhex = "0123456789abcdef"

// EncodeUserLocalpart encodes the given string into Matrix-compliant user ID localpart form.
// See https://matrix.org/docs/spec/appendices#mapping-from-other-character-sets
//
// This returns a string with only the characters "a-z0-9._=-". The uppercase range A-Z
// are encoded using leading underscores ("_"). Characters outside the aforementioned ranges
// (including literal underscores ("_") and equals ("=")) are encoded as UTF8 code points (NOT NCRs)
// and converted to lower-case hex with a leading "=". For example:
//
//	Alph@Bet_50up  => _alph=40_bet=5f50up
func EncodeUserLocalpart(str string) string {
	strBytes := []byte(str)
	var outputBuffer strings.Builder
	for _, b := range strBytes {
		if b >= 'A' && b <= 'Z' {
			outputBuffer.WriteString("_" + string(b+32)) // ASCII shift A-Z to a-z
		} else if (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '-' || b == '.' || b == '+' {
			outputBuffer.WriteByte(b)
		} else {
			outputBuffer.WriteString("=" + string(lowerhex[b>>4]) + string(lowerhex[b&0xF]))
		}
	}
	return outputBuffer.String()
}

// DecodeUserLocalpart decodes the given string back into the original input string.
// Returns an error if the given string is not a valid user ID localpart encoding.
// See https://matrix.org/docs/spec/appendices#mapping-from-other-character-sets
//
// This decodes quoted-printable bytes back into UTF8, and unescapes casing. For
// example:
//
//	_alph=40_bet=5f50up  =>  Alph@Bet_50up
//
// Returns an error if the input string contains characters outside the
// range "a-z0-9._=-", has an invalid quote-printable byte (e.g. not hex), or has
// an invalid _ escaped byte (e.g. "_5").
func DecodeUserLocalpart(str string) (string, error) {
	var outputBuffer strings.Builder
	for i := 0; i < len(str); i++ {
		b := str[i]
		if b == '_' { // next byte is a-z and should be upper-case
			if i+1 >= len(str) {
				return "", fmt.Errorf("max index reached: cannot unescape '_' char")
			}
			if str[i+1] < 'a' || str[i+1] > 'z' {
				return "", fmt.Errorf("invalid escaped character '%c'", str[i+1])
			}
			outputBuffer.WriteByte(str[i+1] - 32) // ASCII shift a-z to A-Z
			i++                                   // skip next byte
		} else if b == '=' { // next 2 bytes are hex
			if i+2 >= len(str) {
				return "", fmt.Errorf("max index reached: cannot unescape '=' char")
			}
			dst := make([]byte, 1)
			_, err := fmt.Sscanf(str[i+1:i+3], "%02x", &dst[0])
			if err != nil {
				return "", err
			}
			outputBuffer.Write(dst)
			i += 2
		} else if (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '-' || b == '.' || b == '+' {
			outputBuffer.WriteByte(b)
		} else {
			return "", fmt.Errorf("character %c is not allowed in encoded localparts", b)
		}
	}
	return outputBuffer.String(), nil
}
