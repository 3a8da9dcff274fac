// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "collabsync")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/collabsync.log")
	viper.SetDefault("main.log.maxsizemb", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxagedays", 28)

	viper.SetDefault("jobstore.root", "jobs")

	viper.SetDefault("engine.batchsize", 100)
	viper.SetDefault("engine.concurrency", 5)
	viper.SetDefault("engine.heartbeatinterval", 10*time.Second)
	viper.SetDefault("engine.stalenessthreshold", 60*time.Second)
	viper.SetDefault("engine.pausewaittimeout", 60*time.Second)
	viper.SetDefault("engine.stoponerror", false)

	viper.SetDefault("platform.baseurl", "https://api.example.com")
	viper.SetDefault("platform.timeout", 30*time.Second)
	viper.SetDefault("platform.requestspersecond", 5.0)
	viper.SetDefault("platform.burst", 5)
	viper.SetDefault("platform.failurelogpath", "logs/failed-items.jsonl")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "localhost:8090")
}
