package app

import "golang.org/x/crypto/bcrypt"

// HashPassword produces a salted bcrypt digest; two calls with the same
// input yield different strings.
func HashPassword(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword returns false for malformed hashes as well as mismatches.
func CheckPassword(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}
