/*
Package auth provides functions for validating JWTs sent by the client app.

It has been tested with JWTs generated with our Auth0 configuration. It
should work with other JWTs too, provided that they are signed with the RS256
algorithm.
*/
package auth // import "github.com/whisthq/whist/backend/fleet/auth"

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// Scopes is an alias for []string with some custom deserialization behavior.
// It is used to store the value of an access token's "scope" claim.
type Scopes []string

// WhistClaims is a struct type that models the claims that must be present
// in an Auth0-issued Whist access token.
type WhistClaims struct {
	jwt.RegisteredClaims

	// Scopes stores the value of the access token's "scope" claim. The value
	// of the "scope" claim is a string of one or more space-separated words.
	Scopes Scopes `json:"scope"`

	// CustomerID is the Stripe customer associated with the user.
	CustomerID string `json:"https://api.fractal.co/stripe_customer_id"`

	// SubscriptionStatus is the status of the user's Stripe subscription, as
	// written into the token by an Auth0 action.
	SubscriptionStatus string `json:"https://api.fractal.co/subscription_status"`
}

// UnmarshalJSON unmarshals a space-separate string of words into a *Scopes
// type. It overwrites the contents of *scopes with the unmarshalled data.
func (scopes *Scopes) UnmarshalJSON(data []byte) error {
	var s string

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*scopes = append((*scopes)[0:0], strings.Fields(s)...)

	return nil
}

// VerifyScope returns true if the claims contain the given scope.
func (claims *WhistClaims) VerifyScope(scope string) bool {
	return utils.SliceContains(claims.Scopes, scope)
}

// UserID returns the user the token was issued to.
func (claims *WhistClaims) UserID() types.UserID {
	return types.UserID(claims.Subject)
}

// HasActiveSubscription returns true if the subscription status claim says
// the user is paying or on a trial.
func (claims *WhistClaims) HasActiveSubscription() bool {
	return claims.SubscriptionStatus == "active" || claims.SubscriptionStatus == "trialing"
}

// A Verifier validates access tokens against a key set and the expected
// audience and issuer.
type Verifier struct {
	audience string
	issuer   string
	keyFunc  jwt.Keyfunc
	jwks     *keyfunc.JWKS
}

// JWKSURL returns where the issuer publishes its signing keys.
func JWKSURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// NewVerifier fetches the JWKs of issuer and returns a Verifier that keeps
// them refreshed in the background and accepts tokens issued for audience.
func NewVerifier(audience, issuer string) (*Verifier, error) {
	url := JWKSURL(issuer)

	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("Error refreshing JWKs: %s", err)
		},
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, utils.MakeError("error getting JWKs from %s: %s", url, err)
	}
	logger.Infof("Successfully got JWKs from %s on startup.", url)

	return &Verifier{audience: audience, issuer: issuer, keyFunc: jwks.Keyfunc, jwks: jwks}, nil
}

// NewVerifierWithKeyfunc returns a Verifier that resolves signing keys with
// the given function instead of a remote key set.
func NewVerifierWithKeyfunc(audience, issuer string, keyFunc jwt.Keyfunc) *Verifier {
	return &Verifier{
		audience: audience,
		issuer:   issuer,
		keyFunc:  keyFunc,
	}
}

// Close stops the background refresh of the key set, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Verify parses a raw access token string, verifies the token's signature,
// ensures that it is valid at the current moment in time, and checks that it
// was issued by the proper issuer for the proper audience. It returns a
// pointer to a WhistClaims type containing the values of its claims if all
// checks are successful.
func (v *Verifier) Verify(tokenString string) (*WhistClaims, error) {
	claims := new(WhistClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		return nil, err
	}

	if !claims.VerifyAudience(v.audience, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("Bad audience %s", claims.Audience),
			jwt.ValidationErrorAudience,
		)
	}

	if !claims.VerifyIssuer(v.issuer, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("Bad issuer %s", claims.Issuer),
			jwt.ValidationErrorIssuer,
		)
	}

	return claims, nil
}
