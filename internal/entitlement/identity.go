package entitlement

import "mealcredits/internal/models"

// Classify maps platform and authentication state to the identity class
// that decides which entitlement path applies. A nil user is anonymous.
func Classify(platform models.Platform, user *models.User) models.IdentityClass {
	if platform == models.PlatformNative {
		return models.ClassNativeApp
	}
	if user != nil && user.ID != "" {
		return models.ClassAuthenticatedWeb
	}
	return models.ClassAnonymousWeb
}
