package models

type ConfigType string

const (
	ConfigTypeVless  ConfigType = "vless"
	ConfigTypeTrojan ConfigType = "trojan"
)

func (t ConfigType) Valid() bool {
	return t == ConfigTypeVless || t == ConfigTypeTrojan
}

type ConfigStatus string

const (
	ConfigNotUpdated    ConfigStatus = "not_updated"
	ConfigUpdatePending ConfigStatus = "update_pending"
	ConfigUpdated       ConfigStatus = "updated"
)

type UserStatus string

const (
	UserNotVerified         UserStatus = "not_verified"
	UserVerificationPending UserStatus = "verification_pending"
	UserVerified            UserStatus = "verified"
)

// RoleName values are ordered by weight: a lower weight outranks a higher one.
type RoleName string

const (
	RoleSuperuser RoleName = "superuser"
	RoleAdmin     RoleName = "admin"
	RoleUser      RoleName = "user"
)

var roleWeights = map[RoleName]int{
	RoleSuperuser: 0,
	RoleAdmin:     1,
	RoleUser:      2,
}

// Weight returns the role's rank, or -1 for an unknown role.
func (r RoleName) Weight() int {
	if w, ok := roleWeights[r]; ok {
		return w
	}
	return -1
}

// Satisfies reports whether r is at least as privileged as required.
func (r RoleName) Satisfies(required RoleName) bool {
	w := r.Weight()
	return w >= 0 && w <= required.Weight()
}

type RequestName string

const (
	RequestVerify        RequestName = "verify"
	RequestResetPassword RequestName = "reset_password"
	RequestUpdateConfig  RequestName = "update_config"
	RequestRenewConfig   RequestName = "renew_config"
	RequestExpireConfig  RequestName = "expire_config"
)

type RequestStatus string

const (
	RequestStatusNew     RequestStatus = "new"
	RequestStatusApplied RequestStatus = "applied"
)

type RelatedName string

const (
	RelatedUser   RelatedName = "user"
	RelatedConfig RelatedName = "config"
)

type SocialName string

const (
	SocialTelegram SocialName = "telegram"
	SocialYandex   SocialName = "yandex"
)

const (
	LangRU = "ru"
	LangEN = "en"
)
