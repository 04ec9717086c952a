package config

// LoggingConfig mirrors the logger package options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"       validate:"required,log_level"`
	Format     string `mapstructure:"format"      validate:"required,log_format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"    validate:"min=1,max=1024"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0,max=100"`
	MaxAge     int    `mapstructure:"max_age"     validate:"min=1,max=365"`
}
