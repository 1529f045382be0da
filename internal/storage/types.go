package storage

import "errors"

// Ключи совпадают с ключами localStorage веб-клиента, значения - те же JSON формы
const (
	KeyAuthToken                    = "authToken"
	KeyRefreshToken                 = "refreshToken"
	KeyUserDetails                  = "userDetails"
	KeyIsFirstLogin                 = "isFirstLogin"
	KeyQualificationStatus          = "qualificationStatus"
	KeyCachedAssessments            = "cachedAssessments"
	KeyAssessmentQuestions          = "assessmentQuestions"
	KeyAssessmentQuestionsTimestamp = "assessmentQuestionsTimestamp"
	KeyUserName                     = "userName"
	KeySchemaVersion                = "_schemaVersion"

	verificationStatusPrefix = "verificationStatus_"
)

// SchemaVersion текущая версия схемы хранилища
const SchemaVersion = 1

// authKeys удаляются вместе при выходе
var authKeys = []string{
	KeyAuthToken,
	KeyRefreshToken,
	KeyUserDetails,
	KeyIsFirstLogin,
	KeyUserName,
}

var ErrNewerSchema = errors.New("state was written by a newer client")

// Backend сырое key/value хранилище строк.
// SetMany и Remove атомарны для всех переданных ключей.
type Backend interface {
	Get(key string) (string, bool, error)
	SetMany(values map[string]string) error
	Remove(keys ...string) error
	Keys() ([]string, error)
	Close() error
}
