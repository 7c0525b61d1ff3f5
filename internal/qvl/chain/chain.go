// Package chain builds and validates PCK certificate chains extracted
// from a quote's signature section: ordering leaf→root,
// pairwise signature verification, validity-window and BasicConstraints
// enforcement, and CRL revocation membership.
package chain

import (
	"crypto/sha256"
	"crypto/x509"
	"time"

	"github.com/r3e-network/ra-tunnel/internal/qvl/x509util"
)

// Status is the outcome of a chain build.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Result is the output of Build: chain status, the identified root
// certificate, and the certs ordered leaf→root.
type Result struct {
	Status       Status
	Root         *x509.Certificate
	OrderedChain []*x509.Certificate
}

// RootSHA256 returns the SHA-256 digest of the root certificate's DER
// encoding, used by the quote verifier to check pinned-root membership.
func (r Result) RootSHA256() [32]byte {
	return sha256.Sum256(r.Root.Raw)
}

// Build runs the PCK chain verification algorithm over a set of
// PEM-encoded certificates. verifyTime, if non-nil, gates the
// notBefore/notAfter validity check; a nil verifyTime skips it. crls is
// a list of DER-encoded CertificateLists whose revoked serials are
// unioned for the final revocation check.
func Build(pemChain []byte, verifyTime *time.Time, crls [][]byte) (Result, error) {
	certs, err := x509util.ParsePEMChain(pemChain)
	if err != nil || len(certs) == 0 {
		return Result{Status: StatusInvalid}, nil
	}

	ordered := order(certs)
	if len(ordered) == 0 {
		return Result{Status: StatusInvalid}, nil
	}

	for i := 0; i < len(ordered)-1; i++ {
		if x509util.Issuer(ordered[i]) != x509util.Subject(ordered[i+1]) {
			return Result{Status: StatusInvalid}, nil
		}
	}

	if verifyTime != nil {
		for _, c := range ordered {
			if verifyTime.Before(c.NotBefore) || verifyTime.After(c.NotAfter) {
				return Result{Status: StatusExpired}, nil
			}
		}
	}

	root := ordered[len(ordered)-1]
	if x509util.Subject(root) != x509util.Issuer(root) {
		return Result{Status: StatusInvalid}, nil
	}
	if !x509util.Verify(root, root) {
		return Result{Status: StatusInvalid}, nil
	}

	for i := 0; i < len(ordered)-1; i++ {
		if !x509util.Verify(ordered[i], ordered[i+1]) {
			return Result{Status: StatusInvalid}, nil
		}
	}

	if ok := checkConstraints(ordered); !ok {
		return Result{Status: StatusInvalid}, nil
	}

	if revoked(ordered, crls) {
		return Result{Status: StatusRevoked}, nil
	}

	return Result{Status: StatusValid, Root: root, OrderedChain: ordered}, nil
}

// order identifies the leaf (the cert that is not the issuer of any
// other cert in the set, first match on ambiguity) and walks parents
// by subject/issuer equality until no parent is found or a self-issued
// cert is reached. The cert set comes straight from the quote's
// signature section, so it's attacker-controlled: a visited-by-pointer
// guard bounds the walk at len(certs) steps even if a crafted,
// non-self-issued pair of certs cross-references each other as
// issuer/subject, which would otherwise loop forever.
func order(certs []*x509.Certificate) []*x509.Certificate {
	leaf := findLeaf(certs)
	if leaf == nil {
		return nil
	}

	visited := map[*x509.Certificate]bool{leaf: true}
	chain := []*x509.Certificate{leaf}
	current := leaf
	for {
		if x509util.Subject(current) == x509util.Issuer(current) {
			break
		}
		parent := findBySubject(certs, x509util.Issuer(current))
		if parent == nil || visited[parent] {
			break
		}
		visited[parent] = true
		chain = append(chain, parent)
		current = parent
	}
	return chain
}

func findLeaf(certs []*x509.Certificate) *x509.Certificate {
	issuerOfOther := make(map[*x509.Certificate]bool)
	for _, c := range certs {
		for _, other := range certs {
			if other == c {
				continue
			}
			if x509util.Issuer(other) == x509util.Subject(c) {
				issuerOfOther[c] = true
				break
			}
		}
	}
	for _, c := range certs {
		if !issuerOfOther[c] {
			return c
		}
	}
	return certs[0]
}

func findBySubject(certs []*x509.Certificate, subject string) *x509.Certificate {
	for _, c := range certs {
		if x509util.Subject(c) == subject {
			return c
		}
	}
	return nil
}

// checkConstraints enforces: leaf is not a CA; every ancestor is a CA;
// a pathLenConstraint k on node i bounds the number of intermediate
// CAs strictly beneath it to fewer than k+1.
func checkConstraints(ordered []*x509.Certificate) bool {
	leaf := ordered[0]
	if x509util.GetBasicConstraints(leaf).CA {
		return false
	}
	for i := 1; i < len(ordered); i++ {
		bc := x509util.GetBasicConstraints(ordered[i])
		if !bc.CA {
			return false
		}
		if bc.PathLength != nil {
			intermediatesBelow := i - 1
			if intermediatesBelow >= *bc.PathLength+1 {
				return false
			}
		}
	}
	return true
}

func revoked(ordered []*x509.Certificate, crls [][]byte) bool {
	if len(crls) == 0 {
		return false
	}
	revokedSerials := make(map[string]struct{})
	for _, der := range crls {
		for serial := range x509util.RevokedSerials(der) {
			revokedSerials[serial] = struct{}{}
		}
	}
	for _, c := range ordered {
		if _, ok := revokedSerials[x509util.SerialNumber(c)]; ok {
			return true
		}
	}
	return false
}
