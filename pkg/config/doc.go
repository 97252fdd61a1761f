/*
Package config loads node settings.

Settings come from, in increasing priority: built-in defaults, an optional
YAML file named by --config, SAGENET_ environment variables and command
line flags. Nested keys map onto environment variables by replacing dots
with underscores, so backup.max_age is SAGENET_BACKUP_MAX_AGE.

Example file:

	home_dir: /var/lib/sagenet
	log:
	  level: debug
	backup:
	  max_age: 12h
	  storage:
	    driver: s3
	    endpoint: https://s3.example.com
	    bucket: sagenet-backups
	cleaner:
	  max_backups: 14
*/
package config
