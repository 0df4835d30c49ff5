package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config agrupa la configuración de la aplicación (lectura vía Viper desde env y
// opcionalmente archivo .env).
type Config struct {
	App        AppConfig
	DB         DBConfig
	HTTP       HTTPConfig
	JWT        JWTConfig
	Verifactu  VerifactuConfig
	Dispatcher DispatcherConfig
}

// AppConfig configuración general de la aplicación.
type AppConfig struct {
	Env  string // development, staging, production
	Name string
}

// VerifactuConfig configuración del envío VERI*FACTU a la AEAT.
// El bloque Sistema* identifica el sistema informático de facturación en cada
// payload; se resuelve una vez por proceso y no se muta en runtime.
type VerifactuConfig struct {
	AppEnv string // dev (no envía) | test | prod

	SistemaNombreRazon   string
	SistemaNIF           string
	SistemaNombre        string
	SistemaID            string
	SistemaVersion       string
	SistemaSoloVerifactu string // "S" | "N"
	SistemaMultiplesOT   string // "S" | "N"
	SistemaIndicadorMultiOT string // "S" | "N"
}

// DispatcherConfig parámetros del worker de envío.
type DispatcherConfig struct {
	BatchLimit   int           // registros por pasada
	Interval     time.Duration // periodo entre pasadas en modo bucle
	RetryBackoff time.Duration // backoff plano tras fallo de transporte
}

// DBConfig configuración de PostgreSQL.
// Si DatabaseURL no está vacío se usa como connection string completo.
type DBConfig struct {
	DatabaseURL string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
}

// ConnectionString devuelve el DSN a usar: DATABASE_URL si está definido, si no el construido.
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DSN()
}

// DSN construye el connection string con URL encoding para caracteres especiales.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	return u.String()
}

// JWTConfig configuración de JWT para la API.
type JWTConfig struct {
	Secret     string
	Expiration int // minutos
	Issuer     string
}

// HTTPConfig configuración del servidor HTTP.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr devuelve la dirección de escucha (host:port).
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load lee la configuración desde variables de entorno (y opcionalmente .env).
// Las env vars tienen prioridad.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:  getString(v, "APP_ENV", "development"),
			Name: getString(v, "APP_NAME", "verifactu-engine"),
		},
		DB: DBConfig{
			DatabaseURL: getString(v, "DATABASE_URL", ""),
			Host:        getString(v, "DB_HOST", "localhost"),
			Port:        getInt(v, "DB_PORT", 5432),
			User:        getString(v, "DB_USER", "postgres"),
			Password:    getString(v, "DB_PASSWORD", ""),
			DBName:      getString(v, "DB_NAME", "verifactu"),
			SSLMode:     getString(v, "DB_SSLMODE", "disable"),
		},
		HTTP: HTTPConfig{
			Host: getString(v, "HTTP_HOST", "0.0.0.0"),
			Port: getInt(v, "HTTP_PORT", 8080),
		},
		JWT: JWTConfig{
			Secret:     getString(v, "JWT_SECRET", ""),
			Expiration: getInt(v, "JWT_EXPIRATION_MINUTES", 60),
			Issuer:     getString(v, "JWT_ISSUER", "verifactu-engine"),
		},
		Verifactu: VerifactuConfig{
			AppEnv:                  getString(v, "VERIFACTU_ENV", "dev"),
			SistemaNombreRazon:      getString(v, "VERIFACTU_SISTEMA_NOMBRE_RAZON", ""),
			SistemaNIF:              getString(v, "VERIFACTU_SISTEMA_NIF", ""),
			SistemaNombre:           getString(v, "VERIFACTU_SISTEMA_NOMBRE", "verifactu-engine"),
			SistemaID:               getString(v, "VERIFACTU_SISTEMA_ID", "77"),
			SistemaVersion:          getString(v, "VERIFACTU_SISTEMA_VERSION", "1.0"),
			SistemaSoloVerifactu:    getString(v, "VERIFACTU_SOLO_VERIFACTU", "S"),
			SistemaMultiplesOT:      getString(v, "VERIFACTU_MULTIPLES_OT", "S"),
			SistemaIndicadorMultiOT: getString(v, "VERIFACTU_INDICADOR_MULTI_OT", "N"),
		},
		Dispatcher: DispatcherConfig{
			BatchLimit:   getInt(v, "DISPATCHER_BATCH_LIMIT", 50),
			Interval:     time.Duration(getInt(v, "DISPATCHER_INTERVAL_SECONDS", 60)) * time.Second,
			RetryBackoff: time.Duration(getInt(v, "DISPATCHER_RETRY_BACKOFF_MINUTES", 15)) * time.Minute,
		},
	}

	return cfg, nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			return s
		}
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		if n := v.GetInt(key); n != 0 {
			return n
		}
	}
	return def
}
