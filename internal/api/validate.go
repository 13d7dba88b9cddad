package api

import (
	"github.com/gofiber/fiber/v2"

	"PolarVest/internal/vesting"
)

// identityHeader carries the authenticated caller identity, set by the
// fronting proxy.
const identityHeader = "X-Identity"

// errMissingIdentity signals a request without the identity header.
var errMissingIdentity = fiber.NewError(fiber.StatusUnauthorized, "missing "+identityHeader+" header")

// callerIdentity extracts the caller identity.
func callerIdentity(c *fiber.Ctx) (string, error) {
	identity := c.Get(identityHeader)
	if identity == "" {
		return "", errMissingIdentity
	}

	return identity, nil
}

// grantIDParam parses the :id route parameter.
func grantIDParam(c *fiber.Ctx) (vesting.GrantID, bool) {
	id, err := vesting.ParseGrantID(c.Params("id"))
	if err != nil {
		return vesting.GrantID{}, false
	}

	return id, true
}
