/*
Package hooks implements the Hook Executor (§4.6): applying the
declarative hook set carried by a package (and recovered from
scriptlet analysis during conversion) idempotently, either against the
live system (install root "/") or against a target root laid down by
an offline install.

Pre-hooks (groups, users, directories) run before files deploy and are
tracked on a rollback stack so a failed transaction can undo exactly
what it created. Post-hooks (systemd units, tmpfiles, sysctl,
alternatives) run after the database commit; failures there are
logged as warnings, never rolled back, because each is independently
idempotent on a later run.
*/
package hooks
