package prompt

// Choice lists offered by the prompts. Plans may name anything; these are
// only the suggestions.
var (
	Locales = []string{
		"en_US.UTF-8", "en_GB.UTF-8", "de_DE.UTF-8", "fr_FR.UTF-8", "es_ES.UTF-8",
		"it_IT.UTF-8", "ru_RU.UTF-8", "zh_CN.UTF-8", "ja_JP.UTF-8",
	}
	Keymaps   = []string{"us", "uk", "de", "fr", "es", "it", "ru"}
	Timezones = []string{
		"UTC",
		"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles",
		"Europe/London", "Europe/Berlin", "Europe/Moscow",
		"Asia/Tokyo", "Asia/Shanghai", "Australia/Sydney",
	}
	Groups        = []string{"wheel", "audio", "video", "optical", "storage", "network", "games", "docker"}
	DefaultGroups = []string{"wheel", "audio", "video", "optical", "storage"}
	ExtraPackages = []string{"git", "openssh", "htop", "reflector", "dialog", "lsof", "intel-ucode", "amd-ucode"}
	Services      = []string{"sshd", "dhcpcd", "avahi-daemon", "bluetooth", "cups", "docker"}
	// MirrorCountries maps the offered choice to the reflector country;
	// "all" ranks every mirror.
	MirrorCountries = []string{"all", "US", "GB", "DE", "FR", "AU", "JP", "KR", "CA"}
)
