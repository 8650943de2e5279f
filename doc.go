/*
Package selenium provides a client to drive web browser-based automation
over the W3C WebDriver protocol, plus helpers to run the WebDriver
services (chromedriver, geckodriver, IEDriverServer, msedgedriver or a
Selenium server) as local subprocesses.

Most users want the higher level runner package, which manages the
lifecycle of one browser session. This package can depend on several
binaries being available, depending on which browsers will be used and
how. Use the methods provided by this API to specify the paths to the
dependencies, or the cmd/browsertime drivers command to fetch them.
*/
package selenium
