// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// GrantWindow is how far a signed challenge timestamp may lie in the past
// (or, for clock skew, in the future).
const GrantWindow = 60 * time.Second

// ErrExpiredChallenge indicates the signed timestamp fell outside the
// validity window.
var ErrExpiredChallenge = errors.New("challenge expired")

// ChallengeMessage builds the string a worker signs to authenticate:
// "username:RFC3339-timestamp".
func ChallengeMessage(username string, at time.Time) string {
	return username + ":" + at.UTC().Format(time.RFC3339)
}

// SignChallenge signs the challenge for username with the given SSH signer
// and returns the message plus the wire-encoded signature.
func SignChallenge(signer ssh.Signer, username string, now time.Time) (string, []byte, error) {
	message := ChallengeMessage(username, now)
	sig, err := signer.Sign(nil, []byte(message))
	if err != nil {
		return "", nil, fmt.Errorf("sign challenge: %w", err)
	}
	return message, ssh.Marshal(sig), nil
}

// VerifyChallenge checks a signed challenge against the registered
// authorized keys: message format, timestamp within GrantWindow, and a
// valid signature from any of the keys. Returns the asserted username.
func VerifyChallenge(message string, sigBlob []byte, authorizedKeys []string, now time.Time) (string, error) {
	// timestamps contain colons, split at the first one
	idx := strings.Index(message, ":")
	if idx <= 0 || idx == len(message)-1 {
		return "", ErrInvalidCredentials
	}
	username := message[:idx]
	at, err := time.Parse(time.RFC3339, message[idx+1:])
	if err != nil {
		return "", ErrInvalidCredentials
	}

	age := now.UTC().Sub(at.UTC())
	if age > GrantWindow || age < -GrantWindow {
		return "", ErrExpiredChallenge
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return "", ErrInvalidCredentials
	}

	for _, line := range authorizedKeys {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		if key.Verify([]byte(message), &sig) == nil {
			return username, nil
		}
	}
	return "", ErrInvalidCredentials
}
