/*
Package convert implements the Conversion Pipeline (§4.5): it reads a
foreign package (RPM-style, DEB-style, or Arch-style) or a Native
Format package, and for foreign formats rewrites it into a Native
Format artifact so that deployment behavior is preserved.

# Polymorphism over package formats

Every format reader (native.go, rpm.go, deb.go, arch.go) implements the
same Reader capability: name, version, architecture, description,
files, dependencies, provides, scriptlets. The pipeline (pipeline.go)
never inspects a concrete format; it only ever calls through Reader,
per §9 "avoid deep inheritance".

# Pipeline stages

 1. Read the foreign package into a PackageMetadata value (format.go,
    native.go, rpm.go, deb.go, arch.go).
 2. Checksum the foreign artifact and consult the ConvertedPackage
    table to dedupe repeat conversions (pipeline.go).
 3. Analyze each scriptlet for recognizable intents and assign a
    fidelity level (scriptlet.go).
 4. Optionally replay scriptlets the analyzer could not fully
    recognize inside a mocked-executable sandbox (capture.go).
 5. Optionally split large file bodies into content-defined chunks
    (chunk.go).
 6. Emit a Native Format package: MANIFEST (CBOR), MANIFEST.toml,
    optional MANIFEST.sig, and component data (manifest.go, native.go).
 7. Record a ConvertedPackage row keyed by (format, checksum).
*/
package convert
