package adminapi

import "testing"

func TestBootstrapCredentialMatchesCorrectPassword(t *testing.T) {
	cred, err := hashBootstrapCredential("correct horse battery staple")
	if err != nil {
		t.Fatalf("hashBootstrapCredential: %v", err)
	}
	if !cred.matches("correct horse battery staple") {
		t.Error("expected the hashed password to match itself")
	}
}

func TestBootstrapCredentialRejectsWrongPassword(t *testing.T) {
	cred, err := hashBootstrapCredential("correct horse battery staple")
	if err != nil {
		t.Fatalf("hashBootstrapCredential: %v", err)
	}
	if cred.matches("wrong password") {
		t.Error("expected a different password not to match")
	}
}

func TestHashBootstrapCredentialSaltsEachCall(t *testing.T) {
	a, err := hashBootstrapCredential("same password")
	if err != nil {
		t.Fatalf("hashBootstrapCredential: %v", err)
	}
	b, err := hashBootstrapCredential("same password")
	if err != nil {
		t.Fatalf("hashBootstrapCredential: %v", err)
	}
	if string(a.salt) == string(b.salt) {
		t.Error("expected distinct random salts across calls")
	}
}
