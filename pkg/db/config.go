package db

// Config is the dialect-neutral connection spec consumed by Dialect and
// Open. For sqlite, Name carries the DSN and the remaining connection
// fields are ignored.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	// Pool limits; zero means the driver default. Lifetimes are in seconds.
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}
