package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type config struct {
	// database
	databaseURL      string
	dbPoolMin        int
	dbPoolMax        int
	dbIPAllocLockID  int64

	// telegram
	telegramBotToken string
	adminTelegramID  int64

	// wireguard
	wgInterfaceName      string
	wgServerPublicKey    string
	wgServerEndpoint     string
	wgClientNetworkPrefix string
	wgClientNetworkCIDR  int
	wgClientIPStart      string
	wgConfigPath         string
	wgConfigLockPath     string
	wgClientDNS          string

	// providers
	tributeWebhookSecret      string
	tributeWebhookPath        string
	yookassaWebhookSecret     string
	yookassaShopID            string
	yookassaSecretKey         string
	yookassaURL               string
	heleketAPIPaymentKey      string
	heleketAPIKey             string
	heleketMerchantID         string
	heleketURL                string
	heleketDisableIPCheck     bool
	heleketDisableSignature   bool

	// workers
	expirySweepIntervalSeconds    int
	reminderIntervalSeconds       int
	reminderQuietHoursEnabled     bool
	reminderQuietHourStart        int
	reminderQuietHourEnd          int

	healthCheckPort int
}

var conf config

func InitConfig() {
	if os.Getenv("DISABLE_ENV_FILE") != "true" {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("No .env loaded:", err)
		}
	}

	conf.databaseURL = mustEnv("DB_URL")
	conf.dbPoolMin = envIntDefault("DB_POOL_MIN", 2)
	conf.dbPoolMax = envIntDefault("DB_POOL_MAX", 20)
	conf.dbIPAllocLockID = int64(mustEnvInt("DB_IP_ALLOC_LOCK_ID"))

	conf.telegramBotToken = mustEnv("TELEGRAM_BOT_TOKEN")
	conf.adminTelegramID = int64(mustEnvInt("ADMIN_TELEGRAM_ID"))

	conf.wgInterfaceName = envStringDefault("WG_INTERFACE_NAME", "wg0")
	conf.wgServerPublicKey = mustEnv("WG_SERVER_PUBLIC_KEY")
	conf.wgServerEndpoint = mustEnv("WG_SERVER_ENDPOINT")
	conf.wgClientNetworkPrefix = envStringDefault("WG_CLIENT_NETWORK_PREFIX", "10.8.0.0")
	conf.wgClientNetworkCIDR = envIntDefault("WG_CLIENT_NETWORK_CIDR", 16)
	conf.wgClientIPStart = envStringDefault("WG_CLIENT_IP_START", "10.8.0.2")
	conf.wgConfigPath = envStringDefault("WG_CONFIG_PATH", "/etc/wireguard/wg0.conf")
	conf.wgConfigLockPath = mustEnv("WG_CONFIG_LOCK_PATH")
	conf.wgClientDNS = envStringDefault("WG_CLIENT_DNS", "1.1.1.1")

	conf.tributeWebhookSecret = envStringDefault("TRIBUTE_WEBHOOK_SECRET", "")
	conf.tributeWebhookPath = envStringDefault("TRIBUTE_WEBHOOK_PATH", "/webhook/tribute")

	conf.yookassaWebhookSecret = envStringDefault("YOOKASSA_WEBHOOK_SECRET", "")
	conf.yookassaShopID = envStringDefault("YOOKASSA_SHOP_ID", "")
	conf.yookassaSecretKey = envStringDefault("YOOKASSA_SECRET_KEY", "")
	conf.yookassaURL = envStringDefault("YOOKASSA_URL", "https://api.yookassa.ru/v3")

	conf.heleketAPIPaymentKey = envStringDefault("HELEKET_API_PAYMENT_KEY", "")
	conf.heleketAPIKey = envStringDefault("HELEKET_API_KEY", "")
	conf.heleketMerchantID = envStringDefault("HELEKET_MERCHANT_ID", "")
	conf.heleketURL = envStringDefault("HELEKET_URL", "https://api.heleket.com")
	conf.heleketDisableIPCheck = envBool("HELEKET_WEBHOOK_DISABLE_IP_CHECK")
	conf.heleketDisableSignature = envBool("HELEKET_WEBHOOK_DISABLE_SIGNATURE_CHECK")

	conf.expirySweepIntervalSeconds = envIntDefault("EXPIRY_SWEEP_INTERVAL_SECONDS", 60)
	conf.reminderIntervalSeconds = envIntDefault("REMINDER_INTERVAL_SECONDS", 600)
	conf.reminderQuietHoursEnabled = envBool("REMINDER_QUIET_HOURS_ENABLED")
	conf.reminderQuietHourStart = envIntDefault("REMINDER_QUIET_HOUR_START", 9)
	conf.reminderQuietHourEnd = envIntDefault("REMINDER_QUIET_HOUR_END", 22)

	conf.healthCheckPort = envIntDefault("HEALTH_CHECK_PORT", 8080)
}

func DatabaseURL() string { return conf.databaseURL }
func DBPoolMin() int       { return conf.dbPoolMin }
func DBPoolMax() int       { return conf.dbPoolMax }
func DBIPAllocLockID() int64 { return conf.dbIPAllocLockID }

func TelegramBotToken() string { return conf.telegramBotToken }
func AdminTelegramID() int64   { return conf.adminTelegramID }

func WGInterfaceName() string       { return conf.wgInterfaceName }
func WGServerPublicKey() string     { return conf.wgServerPublicKey }
func WGServerEndpoint() string      { return conf.wgServerEndpoint }
func WGClientNetworkPrefix() string { return conf.wgClientNetworkPrefix }
func WGClientNetworkCIDR() int      { return conf.wgClientNetworkCIDR }
func WGClientIPStart() string       { return conf.wgClientIPStart }
func WGConfigPath() string          { return conf.wgConfigPath }
func WGConfigLockPath() string      { return conf.wgConfigLockPath }
func WGClientDNS() string           { return conf.wgClientDNS }

func TributeWebhookSecret() string { return conf.tributeWebhookSecret }
func TributeWebhookPath() string   { return conf.tributeWebhookPath }

func YookassaWebhookSecret() string { return conf.yookassaWebhookSecret }
func YookassaShopID() string        { return conf.yookassaShopID }
func YookassaSecretKey() string     { return conf.yookassaSecretKey }
func YookassaURL() string           { return conf.yookassaURL }
func IsYookassaEnabled() bool       { return conf.yookassaShopID != "" && conf.yookassaSecretKey != "" }

func HeleketAPIPaymentKey() string    { return conf.heleketAPIPaymentKey }
func HeleketAPIKey() string           { return conf.heleketAPIKey }
func HeleketMerchantID() string       { return conf.heleketMerchantID }
func HeleketURL() string              { return conf.heleketURL }
func HeleketDisableIPCheck() bool     { return conf.heleketDisableIPCheck }
func HeleketDisableSignatureCheck() bool { return conf.heleketDisableSignature }

const HeleketTrustedSourceIP = "31.133.220.8"

func ExpirySweepIntervalSeconds() int { return conf.expirySweepIntervalSeconds }
func ReminderIntervalSeconds() int    { return conf.reminderIntervalSeconds }
func ReminderQuietHoursEnabled() bool { return conf.reminderQuietHoursEnabled }
func ReminderQuietHourStart() int     { return conf.reminderQuietHourStart }
func ReminderQuietHourEnd() int       { return conf.reminderQuietHourEnd }

func HealthCheckPort() int { return conf.healthCheckPort }

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Panicf("env %q not set", key)
	}
	return v
}

func mustEnvInt(key string) int {
	v := mustEnv(key)
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Panicf("invalid int in %q: %v", key, err)
	}
	return i
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Panicf("invalid int in %q: %v", key, err)
	}
	return i
}

func envStringDefault(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}
